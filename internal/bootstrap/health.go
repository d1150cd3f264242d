package bootstrap

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/itchyny/gojq"
)

// Supervisor process states as reported by pm2.
const (
	statusOnline   = "online"
	statusErrored  = "errored"
	statusStopped  = "stopped"
	statusNotFound = ""
)

var statusQuery = mustCompile(`.[] | select(.name == $name) | .pm2_env.status`)

func mustCompile(src string) *gojq.Code {
	q, err := gojq.Parse(src)
	if err != nil {
		panic(err)
	}
	code, err := gojq.Compile(q, gojq.WithVariables([]string{"$name"}))
	if err != nil {
		panic(err)
	}
	return code
}

// ProcessStatus reads the named process's status from `pm2 jlist` output.
// pm2 may print notices before the table, so decoding starts at the first
// '[' that opens a valid JSON array. It returns "" when the process is not
// in the table.
func ProcessStatus(jlist, name string) (string, error) {
	table, ok := decodeTable(jlist)
	if !ok {
		return "", fmt.Errorf("process table is not a JSON array")
	}

	iter := statusQuery.Run(table, name)
	v, ok := iter.Next()
	if !ok {
		return statusNotFound, nil
	}
	if err, ok := v.(error); ok {
		return "", fmt.Errorf("failed to query process table: %w", err)
	}
	status, _ := v.(string)
	return status, nil
}

func decodeTable(out string) (any, bool) {
	for i := strings.Index(out, "["); i != -1; {
		var table []any
		if err := json.NewDecoder(strings.NewReader(out[i:])).Decode(&table); err == nil {
			return table, true
		}
		next := strings.Index(out[i+1:], "[")
		if next == -1 {
			break
		}
		i += next + 1
	}
	return nil, false
}

// fatalStatus reports whether the supervisor has given up on the process.
func fatalStatus(status string) bool {
	return status == statusErrored || status == statusStopped
}
