package checksum

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.bin")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	return path
}

func TestFile_DeterministicAcrossCopies(t *testing.T) {
	t.Parallel()

	data := []byte("subject M-001 weighed 24.3g at 09:00")
	a := writeFile(t, data)
	b := writeFile(t, data)

	sumA, err := File(a)
	if err != nil {
		t.Fatalf("File(a): %v", err)
	}
	sumB, err := File(b)
	if err != nil {
		t.Fatalf("File(b): %v", err)
	}
	if sumA != sumB {
		t.Errorf("digests differ for identical content: %s vs %s", sumA, sumB)
	}
	if len(sumA) != 64 {
		t.Errorf("digest length = %d, want 64 hex chars", len(sumA))
	}
}

func TestFile_SensitiveToSingleByte(t *testing.T) {
	t.Parallel()

	data := []byte("subject M-001 weighed 24.3g at 09:00")
	path := writeFile(t, data)
	before, err := File(path)
	if err != nil {
		t.Fatalf("File: %v", err)
	}

	data[0] ^= 0x01
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("rewrite file: %v", err)
	}
	after, err := File(path)
	if err != nil {
		t.Fatalf("File after mutation: %v", err)
	}
	if before == after {
		t.Error("digest unchanged after flipping one byte")
	}
}

func TestFile_MissingFile(t *testing.T) {
	t.Parallel()

	if _, err := File(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestBytes_MatchesFile(t *testing.T) {
	t.Parallel()

	data := []byte("payload")
	path := writeFile(t, data)
	fromFile, err := File(path)
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	if got := Bytes(data); got != fromFile {
		t.Errorf("Bytes = %s, File = %s; want equal", got, fromFile)
	}
}
