package migration

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/deesoft/console/errors"
)

const (
	upMarker   = "-- +up"
	downMarker = "-- +down"
)

// Script is a parsed migration file. Lines before the first marker belong
// to Up.
type Script struct {
	Up   string
	Down string
	// Reversible is false when the file has no down section.
	Reversible bool
}

func ParseScript(body string) Script {
	var up, down strings.Builder
	var s Script
	cur := &up
	sc := bufio.NewScanner(strings.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		switch strings.ToLower(strings.TrimSpace(line)) {
		case upMarker:
			cur = &up
			continue
		case downMarker:
			cur = &down
			s.Reversible = true
			continue
		}
		cur.WriteString(line)
		cur.WriteByte('\n')
	}
	s.Up = strings.TrimSpace(up.String())
	s.Down = strings.TrimSpace(down.String())
	return s
}

func LoadScript(path string) (Script, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Script{}, errors.InfraError(fmt.Errorf("migration: read %s: %w", path, err))
	}
	return ParseScript(string(b)), nil
}

const template = `-- +up


-- +down

`
