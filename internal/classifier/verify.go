package classifier

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// VerifyModel checks the model file against a pinned SHA-256 digest. An empty
// digest disables the check.
func VerifyModel(path, want string) error {
	want = strings.TrimSpace(want)
	if want == "" {
		return nil
	}

	fh, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open model: %w", err)
	}
	defer fh.Close()

	h := sha256.New()
	if _, err := io.Copy(h, fh); err != nil {
		return fmt.Errorf("hash model: %w", err)
	}
	sum := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(sum, want) {
		return fmt.Errorf("sha256 mismatch for %s: expected %s got %s", path, want, sum)
	}
	return nil
}
