package drivers

import (
	"archive/tar"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/carevault/durability/internal/crypto"
)

// Artifacts are zstd-compressed tar streams of CSV table dumps. The
// checksum covers the compressed bytes, so it can be recomputed from the
// artifact alone without replaying the dump.

const sampleRowsPerTable = 5

type artifactWriter struct {
	file     *os.File
	hash     hash.Hash
	zw       *zstd.Encoder
	tw       *tar.Writer
	rawBytes int64
}

// newArtifactWriter creates the artifact at path. An existing file is a
// collision and fails fast; artifacts are never silently overwritten.
func newArtifactWriter(path string) (*artifactWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("create artifact %s: %w", path, err)
	}

	h := sha256.New()
	zw, err := zstd.NewWriter(io.MultiWriter(file, h),
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1))
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("create zstd writer: %w", err)
	}

	return &artifactWriter{
		file: file,
		hash: h,
		zw:   zw,
		tw:   tar.NewWriter(zw),
	}, nil
}

func (w *artifactWriter) addFile(name string, size int64, src io.Reader) error {
	hdr := &tar.Header{
		Name: name,
		Mode: 0o640,
		Size: size,
	}
	if err := w.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header %s: %w", name, err)
	}
	n, err := io.Copy(w.tw, src)
	if err != nil {
		return fmt.Errorf("write tar entry %s: %w", name, err)
	}
	w.rawBytes += n
	return nil
}

func (w *artifactWriter) addFromDisk(name, srcPath string) error {
	src, err := os.Open(srcPath) // #nosec G304
	if err != nil {
		return fmt.Errorf("open %s: %w", srcPath, err)
	}
	defer func() { _ = src.Close() }()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", srcPath, err)
	}
	return w.addFile(name, info.Size(), src)
}

// close finalizes the artifact and returns its checksum and sizes.
func (w *artifactWriter) close() (checksum string, compressedSize, rawBytes int64, err error) {
	if err := w.tw.Close(); err != nil {
		_ = w.file.Close()
		return "", 0, 0, fmt.Errorf("close tar writer: %w", err)
	}
	if err := w.zw.Close(); err != nil {
		_ = w.file.Close()
		return "", 0, 0, fmt.Errorf("close zstd writer: %w", err)
	}

	info, err := w.file.Stat()
	if err != nil {
		_ = w.file.Close()
		return "", 0, 0, fmt.Errorf("stat artifact: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return "", 0, 0, fmt.Errorf("close artifact: %w", err)
	}

	return hex.EncodeToString(w.hash.Sum(nil)), info.Size(), w.rawBytes, nil
}

// abort removes a partially written artifact after a failure.
func (w *artifactWriter) abort() {
	name := w.file.Name()
	_ = w.tw.Close()
	_ = w.zw.Close()
	_ = w.file.Close()
	_ = os.Remove(name)
}

type extractResult struct {
	Checksum     string
	TableCounts  map[string]int64
	RecordCount  int64
	FieldSamples []FieldSample
}

// extractArtifact unpacks the artifact at path into destDir and inspects
// the restored tables: per-table row counts plus a sample of sensitive
// field values for encryption-marker checks.
func extractArtifact(path, destDir string) (*extractResult, error) {
	file, err := os.Open(path) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("open artifact %s: %w", path, err)
	}
	defer func() { _ = file.Close() }()

	h := sha256.New()
	tee := io.TeeReader(file, h)

	zr, err := zstd.NewReader(tee, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("open zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar entry: %w", err)
		}

		name := filepath.Clean(hdr.Name)
		if strings.Contains(name, "..") || filepath.IsAbs(name) {
			return nil, fmt.Errorf("unsafe tar entry name %q", hdr.Name)
		}

		dest := filepath.Join(destDir, name)
		if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
			return nil, fmt.Errorf("create restore dir: %w", err)
		}
		out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640) // #nosec G304
		if err != nil {
			return nil, fmt.Errorf("create restored file %s: %w", name, err)
		}
		if _, err := io.Copy(out, tr); err != nil { // #nosec G110 - trusted artifact
			_ = out.Close()
			return nil, fmt.Errorf("restore %s: %w", name, err)
		}
		if err := out.Close(); err != nil {
			return nil, fmt.Errorf("close restored file %s: %w", name, err)
		}
	}

	// Drain trailing bytes so the checksum covers the whole artifact.
	if _, err := io.Copy(io.Discard, tee); err != nil {
		return nil, fmt.Errorf("drain artifact: %w", err)
	}

	result := &extractResult{
		Checksum:    hex.EncodeToString(h.Sum(nil)),
		TableCounts: make(map[string]int64),
	}
	if err := inspectRestoredTables(destDir, result); err != nil {
		return nil, err
	}
	return result, nil
}

// inspectRestoredTables counts rows of every restored CSV table and
// samples sensitive columns.
func inspectRestoredTables(dir string, result *extractResult) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read restore dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".csv") {
			continue
		}
		table := strings.TrimSuffix(entry.Name(), ".csv")
		path := filepath.Join(dir, entry.Name())

		count, err := countCSVRows(path)
		if err != nil {
			return fmt.Errorf("count rows of %s: %w", table, err)
		}
		result.TableCounts[table] = count
		result.RecordCount += count

		samples, err := sampleSensitiveColumns(table, path)
		if err != nil {
			return fmt.Errorf("sample %s: %w", table, err)
		}
		result.FieldSamples = append(result.FieldSamples, samples...)
	}
	return nil
}

// countCSVRows counts data rows (header excluded). Quoted fields may
// span physical lines, so counting means parsing records, not lines.
func countCSVRows(path string) (int64, error) {
	file, err := os.Open(path) // #nosec G304
	if err != nil {
		return 0, err
	}
	defer func() { _ = file.Close() }()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true

	var count int64 = -1 // header
	for {
		_, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		count++
	}
	if count < 0 {
		count = 0
	}
	return count, nil
}

// sampleSensitiveColumns returns up to sampleRowsPerTable values per
// sensitive column of the table.
func sampleSensitiveColumns(table, path string) ([]FieldSample, error) {
	file, err := os.Open(path) // #nosec G304
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var sensitiveIdx []int
	for i, col := range header {
		if crypto.SensitiveFields[col] {
			sensitiveIdx = append(sensitiveIdx, i)
		}
	}
	if len(sensitiveIdx) == 0 {
		return nil, nil
	}

	var samples []FieldSample
	for row := 0; row < sampleRowsPerTable; row++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		for _, i := range sensitiveIdx {
			if i >= len(record) || record[i] == "" {
				continue
			}
			samples = append(samples, FieldSample{
				Table:  table,
				Column: header[i],
				Value:  record[i],
			})
		}
	}
	return samples, nil
}
