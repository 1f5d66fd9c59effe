// Package fingerprint defines the fixed-width perceptual fingerprint used by
// the near-duplicate index. It includes:
//   - Fingerprint value type with equality and Hamming distance
//   - Hex, byte (BLOB) and signed 64-bit segment encodings
//   - Encoder/EncodeFunc for turning decoded images into fingerprints
package fingerprint
