package objectprovider

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

type ObjectSpec struct {
	Key       string
	SizeBytes int
}

type ObjectProvider interface {
	// Create any resources needed before MakeObjects can be ran.
	SetUp() error

	// Create the objects using the current object specs.
	MakeObjects() error

	// Read back every object using the current object specs.
	ReadObjects() error

	// Delete the objects named by the current object specs.
	DeleteObjects() error

	// Destroy any resources created by SetUp, including every object left in them.
	TearDown() error

	// Set the object specs to be created by MakeObjects. Do not create any objects.
	SetObjects([]*ObjectSpec)

	GetObjects() []*ObjectSpec

	GetBucket() string
}

// Makes count objects of sizeBytes each, keyed under prefix.
func GenerateObjectSpecs(prefix string, count int, sizeBytes int) []*ObjectSpec {
	out := make([]*ObjectSpec, 0, count)
	for i := range count {
		out = append(out, &ObjectSpec{Key: fmt.Sprintf("%s%08d", prefix, i), SizeBytes: sizeBytes})
	}
	return out
}

func LoadObjectSpecsFromFile(path string) ([]*ObjectSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadObjectSpecs(f)
}

func LoadObjectSpecsFromBuf(buf []byte) ([]*ObjectSpec, error) {
	return LoadObjectSpecs(bytes.NewReader(buf))
}

// Reads "key,size" records. Records with fewer than two fields are ignored. Keys must be unique.
func LoadObjectSpecs(r io.Reader) ([]*ObjectSpec, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	seen := map[string]bool{}
	out := []*ObjectSpec{}
	for {
		parts, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(parts) < 2 {
			continue
		}

		size, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, fmt.Errorf("invalid size for key %s: %w", parts[0], err)
		}
		if seen[parts[0]] {
			return nil, fmt.Errorf("duplicate key: %s", parts[0])
		}
		seen[parts[0]] = true

		out = append(out, &ObjectSpec{Key: parts[0], SizeBytes: size})
	}
	return out, nil
}

func TotalSizeBytes(objects []*ObjectSpec) int {
	total := 0
	for _, obj := range objects {
		total += obj.SizeBytes
	}
	return total
}
