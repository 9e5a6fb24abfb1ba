package data

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// LoadCSV reads "label,p0,p1,..." lines (MNIST CSV layout) into a dataset.
func LoadCSV(path string, shape Shape, batchSize int) (*Memory, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset %s: %w", path, err)
	}
	defer file.Close()

	size := shape.Size()
	var (
		images []uint8
		labels []int
	)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		fields := strings.Split(text, ",")
		if len(fields) != size+1 {
			return nil, fmt.Errorf("%s:%d: %w: expected %d pixels, got %d", path, line, ErrBadShape, size, len(fields)-1)
		}
		label, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil || label < 0 {
			return nil, fmt.Errorf("%s:%d: invalid label %q", path, line, fields[0])
		}
		for _, f := range fields[1:] {
			v, err := strconv.ParseUint(strings.TrimSpace(f), 10, 8)
			if err != nil {
				return nil, fmt.Errorf("%s:%d: invalid pixel %q: %w", path, line, f, err)
			}
			images = append(images, uint8(v))
		}
		labels = append(labels, label)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read dataset %s: %w", path, err)
	}
	return NewMemory(images, labels, shape, batchSize)
}

// ParseShape parses "HxWxC" (or "HxW" for one channel).
func ParseShape(s string) (Shape, error) {
	parts := strings.Split(s, "x")
	if len(parts) != 2 && len(parts) != 3 {
		return Shape{}, fmt.Errorf("invalid image shape %q", s)
	}
	dims := []int{1, 1, 1}
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v <= 0 {
			return Shape{}, fmt.Errorf("invalid image shape %q", s)
		}
		dims[i] = v
	}
	return Shape{Height: dims[0], Width: dims[1], Channels: dims[2]}, nil
}
