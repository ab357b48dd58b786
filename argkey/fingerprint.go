// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package argkey

import (
	"encoding/hex"

	"github.com/zeebo/xxh3"
)

// Fingerprint is a 128-bit digest identifying an equivalence class of
// connection configurations. It is immutable once computed and usable
// directly as a map key. Two configurations are equivalent if and only
// if their fingerprints are equal.
type Fingerprint [16]byte

// String returns the fingerprint in lowercase hex.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// Compute digests the target address, the canonical argument form from
// Canonicalize, and an optional credential identity digest into a
// fingerprint. A nil credDigest contributes nothing, so configurations
// without credentials never collide with credentialed ones for the
// same target and args unless the credential digest is empty.
func Compute(target string, canon []byte, credDigest []byte) Fingerprint {
	var hasher xxh3.Hasher
	_, _ = hasher.WriteString(target)
	_, _ = hasher.Write(canon)
	if len(credDigest) > 0 {
		_, _ = hasher.Write(credDigest)
	}
	return Fingerprint(hasher.Sum128().Bytes())
}
