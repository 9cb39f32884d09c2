package rawexr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// MetadataReader extracts grouped tag metadata from a camera file. The result
// maps tag group ("File", "EXIF", "MakerNotes", ...) to tag name to value.
type MetadataReader interface {
	ReadImageMetadata(ctx context.Context, path string) (map[string]map[string]string, error)
}

// ExifTool shells out to the exiftool executable to read image metadata.
// The zero value discovers the executable through the EXIFTOOL environment
// variable.
type ExifTool struct {
	// Path is an explicit executable path. When empty, the EXIFTOOL
	// environment variable is consulted, then the system PATH.
	Path string
	// ExtraArgs are appended before the fixed extraction flags.
	ExtraArgs []string
}

// Executable resolves the exiftool binary to invoke.
func (t *ExifTool) Executable() (string, error) {
	if t.Path != "" {
		if _, err := os.Stat(t.Path); err == nil {
			return t.Path, nil
		}
	}
	if env := os.Getenv("EXIFTOOL"); env != "" {
		if _, err := os.Stat(env); err == nil {
			return env, nil
		}
	}
	if path, err := exec.LookPath("exiftool"); err == nil {
		return path, nil
	}
	return "", fmt.Errorf("%w: no exiftool executable was provided or able to be found", ErrConfiguration)
}

// ReadImageMetadata runs exiftool against path and returns its tags grouped
// by tag family. Tag ids are requested in decimal, arrays are joined with
// commas and print conversion is disabled, so values come back machine-stable.
func (t *ExifTool) ReadImageMetadata(ctx context.Context, path string) (map[string]map[string]string, error) {
	exe, err := t.Executable()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileState, err)
	}

	args := append([]string(nil), t.ExtraArgs...)
	args = append(args,
		"-D",    // tag ID numbers in decimal
		"-G",    // group name for each tag
		"-a",    // allow duplicate tags
		"-u",    // extract unknown tags
		"-n",    // no print conversion
		"-m",    // ignore minor errors
		"-sep", ",",
		"-s",    // short tag names
		"-sort", // sort output alphabetically
		"-json",
		path,
	)

	cmd := exec.CommandContext(ctx, exe, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w: exiftool: %v: %s", ErrDecode, err, strings.TrimSpace(stderr.String()))
	}

	return parseExifToolJSON(stdout.Bytes())
}

func parseExifToolJSON(data []byte) (map[string]map[string]string, error) {
	var docs []map[string]json.RawMessage
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("%w: exiftool output: %v", ErrDecode, err)
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: exiftool produced no records", ErrDecode)
	}

	out := make(map[string]map[string]string)
	for key, raw := range docs[0] {
		group, name, grouped := strings.Cut(key, ":")
		if !grouped {
			continue
		}
		value, ok := exifTagValue(raw)
		if !ok {
			continue
		}
		tags := out[group]
		if tags == nil {
			tags = make(map[string]string)
			out[group] = tags
		}
		tags[name] = value
	}
	return out, nil
}

// exifTagValue extracts the "val" field of a tag record. With tag ids enabled
// each tag serializes as {"id": ..., "val": ...}; a bare scalar is accepted
// as well.
func exifTagValue(raw json.RawMessage) (string, bool) {
	var record struct {
		Val json.RawMessage `json:"val"`
	}
	if err := json.Unmarshal(raw, &record); err == nil && record.Val != nil {
		raw = record.Val
	}
	return scalarString(raw)
}

func scalarString(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return strconv.FormatFloat(f, 'g', -1, 64), true
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return strconv.FormatBool(b), true
	}
	return "", false
}
