// Copyright 2024 The atticd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package atticmodel

// nixBase32Alphabet is Nix's own base32 alphabet: the usual base32 set
// with vowels and a few visually-confusable characters removed.
const nixBase32Alphabet = "0123456789abcdfghijklmnpqrsvwxyz"

// StorePathHashLen is the fixed length of a store-path hash prefix (I7).
const StorePathHashLen = 32

// ValidStorePathHash reports whether s is exactly 32 characters drawn
// from the Nix base32 alphabet (spec invariant I7 / property P5).
func ValidStorePathHash(s string) bool {
	if len(s) != StorePathHashLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isNixBase32(s[i]) {
			return false
		}
	}
	return true
}

func isNixBase32(b byte) bool {
	for i := 0; i < len(nixBase32Alphabet); i++ {
		if nixBase32Alphabet[i] == b {
			return true
		}
	}
	return false
}
