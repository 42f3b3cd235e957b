package notifier

import (
	"bufio"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// AllProjects is the wildcard entry used when a project has no recipients
// of its own
const AllProjects = "ALL"

// AddressTable maps a project name (or ALL) to failure-mail recipients
type AddressTable map[string][]string

// LoadAddressTable reads a notify-addresses file. Each line holds a
// project name followed by one or more addresses; blank lines and lines
// starting with '#' are ignored. A missing file yields an empty table.
func LoadAddressTable(path string) (AddressTable, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return AddressTable{}, nil
		}
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()

	table := AddressTable{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		table[fields[0]] = append(table[fields[0]], fields[1:]...)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	return table, nil
}

// Recipients returns the project's own recipients, falling back to ALL
func (t AddressTable) Recipients(project string) []string {
	if addrs := t[project]; len(addrs) > 0 {
		return addrs
	}
	return t[AllProjects]
}
