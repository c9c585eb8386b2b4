package flamingo

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// boundsSectionNames are the two fixed sections of a bounds file
// (spec.md §6/GLOSSARY): two opposite corners of a sample's bounding box
// at one rotation angle.
var boundsSectionNames = [2]string{"bounding box 1", "bounding box 2"}

// WriteBoundsFile writes locate-sample's output in the two-section
// key=value format spec.md §6 names, LF line endings.
func WriteBoundsFile(box BoundingBox, w io.Writer) error {
	bw := bufio.NewWriter(w)
	writeCorner := func(name string, p Position) error {
		lines := []string{
			fmt.Sprintf("<%s>", name),
			fmt.Sprintf("x (mm) = %g", p.X),
			fmt.Sprintf("y (mm) = %g", p.Y),
			fmt.Sprintf("z (mm) = %g", p.Z),
			fmt.Sprintf("r (°) = %g", p.AngleDeg),
			fmt.Sprintf("</%s>", name),
		}
		for _, l := range lines {
			if _, err := bw.WriteString(l + "\n"); err != nil {
				return err
			}
		}
		return nil
	}
	if err := writeCorner(boundsSectionNames[0], box.Corner1); err != nil {
		return err
	}
	if err := writeCorner(boundsSectionNames[1], box.Corner2); err != nil {
		return err
	}
	return bw.Flush()
}

// ReadBoundsFile is the inverse of WriteBoundsFile.
func ReadBoundsFile(r io.Reader) (BoundingBox, error) {
	scanner := bufio.NewScanner(r)
	lineNo := 0
	corners := map[string]Position{}
	var current string
	values := map[string]string{}

	flush := func() error {
		if current == "" {
			return nil
		}
		x, xok := values["x (mm)"]
		y, yok := values["y (mm)"]
		z, zok := values["z (mm)"]
		r, rok := values["r (°)"]
		if !xok || !yok || !zok || !rok {
			return errDocMissing(fmt.Sprintf("%s: missing x/y/z/r", current))
		}
		xf, err1 := strconv.ParseFloat(x, 64)
		yf, err2 := strconv.ParseFloat(y, 64)
		zf, err3 := strconv.ParseFloat(z, 64)
		rf, err4 := strconv.ParseFloat(r, 64)
		for _, err := range []error{err1, err2, err3, err4} {
			if err != nil {
				return errDocBadValue(fmt.Sprintf("%s: %v", current, err))
			}
		}
		corners[current] = NewPosition(xf, yf, zf, rf)
		return nil
	}

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "</"):
			if err := flush(); err != nil {
				return BoundingBox{}, err
			}
			current = ""
			values = map[string]string{}
			continue
		case strings.HasPrefix(line, "<"):
			current = strings.TrimSuffix(strings.TrimPrefix(line, "<"), ">")
			continue
		}
		eq := strings.Index(line, "=")
		if eq < 0 {
			return BoundingBox{}, errDocSyntax(lineNo, fmt.Sprintf("malformed line %q", line))
		}
		values[strings.TrimSpace(line[:eq])] = strings.TrimSpace(line[eq+1:])
	}
	if err := scanner.Err(); err != nil {
		return BoundingBox{}, err
	}

	c1, ok := corners[boundsSectionNames[0]]
	if !ok {
		return BoundingBox{}, errDocMissing(boundsSectionNames[0])
	}
	c2, ok := corners[boundsSectionNames[1]]
	if !ok {
		return BoundingBox{}, errDocMissing(boundsSectionNames[1])
	}
	return BoundingBox{Corner1: c1, Corner2: c2}, nil
}
