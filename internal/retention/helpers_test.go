package retention_test

import (
	"os"
	"path/filepath"
)

func writeFile(root, name string) error {
	return os.WriteFile(filepath.Join(root, name), []byte("x"), 0o600)
}

func mkdir(root, name string) error {
	return os.Mkdir(filepath.Join(root, name), 0o750)
}
