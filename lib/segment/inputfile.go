/*
Copyright 2018 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package segment

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/gravitational/trace"

	"github.com/segmentdb/expandctl/lib/defaults"
)

// Record is one parsed line of the input segment file, before it is grouped
// into content tuples.
type Record struct {
	Spec
}

// ParseInputFile reads the input segment file at path:
//
//	<hostname>:<address>:<port>:<datadir>:<dbid>:<contentId>:<role>[:<replicationPort>]
//
// Blank lines and lines starting with '#' are skipped. Returns a Validation
// error (via trace.BadParameter) on any malformed line, including an
// out-of-taxonomy role.
func ParseInputFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	defer f.Close()
	return ParseInput(f, path)
}

// ParseInput parses the input segment format from r. name is used only for
// error messages (typically the file path).
func ParseInput(r io.Reader, name string) ([]Record, error) {
	var records []Record
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rec, err := parseInputLine(line)
		if err != nil {
			return nil, trace.BadParameter("%s:%d: %v", name, lineNo, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	if len(records) == 0 {
		return nil, trace.BadParameter("%s: no segment records found", name)
	}
	return records, nil
}

func parseInputLine(line string) (Record, error) {
	fields := strings.Split(line, ":")
	if len(fields) != 7 && len(fields) != 8 {
		return Record{}, trace.BadParameter(
			"expected 7 or 8 colon-separated fields, got %d: %q", len(fields), line)
	}
	port, err := parseNonNegativeInt(fields[2], "port")
	if err != nil {
		return Record{}, trace.Wrap(err)
	}
	dbid, err := parseNonNegativeInt(fields[4], "dbid")
	if err != nil {
		return Record{}, trace.Wrap(err)
	}
	contentID, err := parseNonNegativeInt(fields[5], "contentId")
	if err != nil {
		return Record{}, trace.Wrap(err)
	}
	role := Role(fields[6])
	if role != RolePrimary && role != RoleMirror {
		return Record{}, trace.BadParameter("role must be %q or %q, got %q", RolePrimary, RoleMirror, fields[6])
	}
	replPort := 0
	if len(fields) == 8 && fields[7] != "" {
		replPort, err = parseNonNegativeInt(fields[7], "replicationPort")
		if err != nil {
			return Record{}, trace.Wrap(err)
		}
	}
	rec := Record{Spec{
		Host:            fields[0],
		Address:         fields[1],
		Port:            port,
		DataDir:         fields[3],
		DBID:            dbid,
		ContentID:       contentID,
		SegRole:         role,
		ReplicationPort: replPort,
	}}
	if err := rec.Check(); err != nil {
		return Record{}, trace.Wrap(err)
	}
	return rec, nil
}

func parseNonNegativeInt(s, field string) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, trace.BadParameter("%s must be a decimal integer, got %q", field, s)
	}
	if v < 0 {
		return 0, trace.BadParameter("%s must be non-negative, got %d", field, v)
	}
	return v, nil
}

// WriteInputFile regenerates the canonical input-file representation of
// records, one line per record, in the exact 7/8-field format ParseInput
// accepts — round-tripping a file through ParseInput and WriteInputFile
// is byte-equivalent after canonical address normalization.
func WriteInputFile(w io.Writer, records []Record) error {
	bw := bufio.NewWriter(w)
	for _, r := range records {
		line := fmt.Sprintf("%s:%s:%d:%s:%d:%d:%s",
			r.Host, r.Address, r.Port, r.DataDir, r.DBID, r.ContentID, r.SegRole)
		if r.ReplicationPort != 0 {
			line += fmt.Sprintf(":%d", r.ReplicationPort)
		}
		if _, err := fmt.Fprintln(bw, line); err != nil {
			return trace.ConvertSystemError(err)
		}
	}
	return trace.ConvertSystemError(bw.Flush())
}

// NewSegmentsFromRecords groups parsed input-file records into content
// tuples (primary plus its mirrors, ordered by ContentID), the shape
// RollbackController and SegmentTemplate.Distribute both operate over.
func NewSegmentsFromRecords(records []Record) NewSegments {
	byContent := map[int]*ContentTuple{}
	var order []int
	for _, r := range records {
		t, ok := byContent[r.ContentID]
		if !ok {
			t = &ContentTuple{ContentID: r.ContentID}
			byContent[r.ContentID] = t
			order = append(order, r.ContentID)
		}
		if r.SegRole == RolePrimary {
			t.Primary = r.Spec
		} else {
			t.Mirrors = append(t.Mirrors, r.Spec)
		}
	}
	sort.Ints(order)
	tuples := make([]ContentTuple, 0, len(order))
	for _, id := range order {
		tuples = append(tuples, *byContent[id])
	}
	return NewSegments{Tuples: tuples}
}

// FilespaceSidecarPath returns the sidecar path for a given input file path
// ("same basename plus suffix .fs").
func FilespaceSidecarPath(inputPath string) string {
	return inputPath + defaults.FilespaceSidecarSuffix
}

// Filespaces is the parsed content of the filespace sidecar file: the
// ordered filespace names, and per-dbid path lists in that same order.
type Filespaces struct {
	// Order is the ordered list of filespace names from the first line.
	Order []string
	// PathsByDBID maps dbid to the ordered path list for Order.
	PathsByDBID map[int][]string
}

const filespaceOrderPrefix = "filespaceOrder="

// ParseFilespaceSidecar reads the filespace sidecar file: first
// line "filespaceOrder=<name1>:<name2>:...", remaining lines
// "<dbid>:<path1>:<path2>:..." in that order.
func ParseFilespaceSidecar(path string) (*Filespaces, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	defer f.Close()
	return ParseFilespaces(f, path)
}

// ParseFilespaces parses the filespace sidecar format from r.
func ParseFilespaces(r io.Reader, name string) (*Filespaces, error) {
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		return nil, trace.BadParameter("%s: empty filespace sidecar file", name)
	}
	first := strings.TrimSpace(scanner.Text())
	if !strings.HasPrefix(first, filespaceOrderPrefix) {
		return nil, trace.BadParameter("%s: first line must start with %q, got %q",
			name, filespaceOrderPrefix, first)
	}
	order := strings.Split(strings.TrimPrefix(first, filespaceOrderPrefix), ":")
	if len(order) == 0 || order[0] == "" {
		return nil, trace.BadParameter("%s: filespaceOrder line lists no filespaces", name)
	}
	fs := &Filespaces{Order: order, PathsByDBID: map[int][]string{}}
	lineNo := 1
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) != len(order)+1 {
			return nil, trace.BadParameter("%s:%d: expected %d fields (dbid + %d paths), got %d",
				name, lineNo, len(order)+1, len(order), len(fields))
		}
		dbid, err := parseNonNegativeInt(fields[0], "dbid")
		if err != nil {
			return nil, trace.BadParameter("%s:%d: %v", name, lineNo, err)
		}
		fs.PathsByDBID[dbid] = fields[1:]
	}
	if err := scanner.Err(); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return fs, nil
}

// ApplyFilespaces copies per-dbid filespace paths onto the matching
// specs' FilespacePaths, keyed by filespace name, and enforces the
// invariant that if any non-system filespace exists, every spec must
// have a path for it.
func ApplyFilespaces(records []Record, fs *Filespaces) error {
	if fs == nil {
		return nil
	}
	for i := range records {
		paths, ok := fs.PathsByDBID[records[i].DBID]
		if !ok {
			return trace.BadParameter("no filespace paths recorded for dbid %d", records[i].DBID)
		}
		if len(paths) != len(fs.Order) {
			return trace.BadParameter("dbid %d has %d filespace paths, want %d", records[i].DBID, len(paths), len(fs.Order))
		}
		m := make(map[string]string, len(fs.Order))
		for j, name := range fs.Order {
			if paths[j] == "" {
				return trace.BadParameter("dbid %d missing path for filespace %q", records[i].DBID, name)
			}
			m[name] = paths[j]
		}
		records[i].FilespacePaths = m
	}
	return nil
}
