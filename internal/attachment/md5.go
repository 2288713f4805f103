package attachment

import (
	"crypto/md5" //nolint:gosec // integrity checksum only, not a security boundary
	"encoding/hex"
	"fmt"
)

// verifyMD5 checks data's MD5 digest against the hex-encoded expected
// value the tenant supplied for the attachment, per the declared
// content_md5 contract.
func verifyMD5(data []byte, expected string) error {
	sum := md5.Sum(data)
	got := hex.EncodeToString(sum[:])
	if got != expected {
		return fmt.Errorf("content_md5 mismatch: expected %s, got %s", expected, got)
	}
	return nil
}
