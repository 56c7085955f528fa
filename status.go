package orm

import (
	"fmt"
	"io"
	"time"

	"github.com/medatechnology/goutil/print"
	"github.com/medatechnology/goutil/timedate"
)

// StatusStruct is the per-node status returned by Database.Status.
// Depending on the backend some information might be empty.
type StatusStruct struct {
	URL        string        `json:"url,omitempty"          db:"url"`         // URL (host + port), never with credentials
	Version    string        `json:"version,omitempty"      db:"version"`     // version of the DBMS
	DBMS       string        `json:"dbms,omitempty"         db:"dbms"`        // postgresql, rqlite, supabase, memory
	DBMSDriver string        `json:"dbms_driver,omitempty"  db:"dbms_driver"` // lib/pq, gorqlite, postgrest
	StartTime  time.Time     `json:"start_time,omitempty"   db:"start_time"`
	Uptime     time.Duration `json:"uptime,omitempty"       db:"uptime"`
	DBSize     int64         `json:"db_size,omitempty"      db:"db_size"` // if applicable
	NodeID     string        `json:"node_id,omitempty"      db:"node_id"`
	IsLeader   bool          `json:"is_leader,omitempty"    db:"is_leader"`
	Leader     string        `json:"leader,omitempty"       db:"leader"`
	Nodes      int           `json:"nodes,omitempty"        db:"nodes"`     // total number of nodes in the cluster
	MaxPool    int           `json:"max_pool,omitempty"     db:"max_pool"`  // if applicable
	OpenConns  int           `json:"open_conns,omitempty"   db:"open_conns"` // if applicable
}

// NodeStatusStruct is the status of the node we talk to plus its peers (rqlite only).
type NodeStatusStruct struct {
	StatusStruct
	Peers map[int]StatusStruct `json:"peers,omitempty"`
}

// PrintPretty writes the status as an aligned label/value list, skipping
// empty values. Used by the status command.
func (s *StatusStruct) PrintPretty(w io.Writer, indent, title string) {
	if title == "" {
		title = "Status"
	}
	fmt.Fprintln(w, indent+title+":")
	uptime := timedate.DurationUptimeShort(s.Uptime)
	startTime := ""
	if !s.StartTime.IsZero() {
		startTime = s.StartTime.Format("2006-01-02 15:04:05")
	}
	dbSize := ""
	if s.DBSize > 0 {
		dbSize = print.BytesToHumanReadable(s.DBSize, " ")
	}
	fields := []struct {
		label string
		value string
	}{
		{"URL", s.URL},
		{"DBMS", s.DBMS},
		{"Driver", s.DBMSDriver},
		{"Version", s.Version},
		{"Start Time", startTime},
		{"Uptime", uptime},
		{"DB Size", dbSize},
		{"Node ID", s.NodeID},
		{"Leader", s.Leader},
		{"Nodes", countString(s.Nodes)},
		{"Max Pool", countString(s.MaxPool)},
		{"Open Conns", countString(s.OpenConns)},
	}

	maxLabelLength := 0
	for _, field := range fields {
		if len(field.label) > maxLabelLength {
			maxLabelLength = len(field.label)
		}
	}

	for _, field := range fields {
		if field.value != "" {
			fmt.Fprintf(w, "%s  %-*s: %s\n", indent, maxLabelLength, field.label, field.value)
		}
	}
}

// PrintPretty prints the node and then each peer.
func (s *NodeStatusStruct) PrintPretty(w io.Writer) {
	s.StatusStruct.PrintPretty(w, "", "Status")
	for i := range s.Peers {
		p := s.Peers[i]
		p.PrintPretty(w, "  ", fmt.Sprintf("Peer %d", i))
	}
}

func countString(n int) string {
	if n <= 0 {
		return ""
	}
	return fmt.Sprintf("%d", n)
}
