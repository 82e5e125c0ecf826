package mutation

import (
	"bufio"
	"bytes"
	"os"

	"github.com/pkg/errors"
)

// LoadDictionary reads an AFL-style token file: lines starting with '#' and
// blank lines are ignored, and the token is the content of the first quoted
// segment on each remaining line. Escape sequences are not interpreted.
func LoadDictionary(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open dictionary")
	}
	defer f.Close()

	var tokens [][]byte
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		parts := bytes.SplitN(line, []byte(`"`), 3)
		if len(parts) < 2 || len(parts[1]) == 0 {
			continue
		}
		tokens = append(tokens, append([]byte(nil), parts[1]...))
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read dictionary")
	}
	return tokens, nil
}
