package mantis

import "encoding/json"

// Snapshot is the JSON-serializable view of one worker slot, as rendered
// by the `info` command. Detail level 0 carries only the shared fields;
// detail level 1 adds the class-specific payload under Detail.
type Snapshot struct {
	WID            uint64          `json:"wid"`
	Label          string          `json:"label"`
	Class          string          `json:"class"`
	Index          int             `json:"index"`
	State          string          `json:"state"`
	StartTime      float64         `json:"start_time,omitempty"`
	ModTime        float64         `json:"mod_time,omitempty"`
	ExecTime       float64         `json:"exec_time,omitempty"`
	MaxWork        uint64          `json:"max_work,omitempty"`
	Afters         []string        `json:"after,omitempty"`
	Linked         bool            `json:"linked"`
	LinkLabel      string          `json:"link,omitempty"`
	MissedDeadline uint64          `json:"missed_deadlines"`
	TotalDeadlines uint64          `json:"total_deadlines"`
	MissedUsecs    uint64          `json:"missed_usecs"`
	Detail         json.RawMessage `json:"detail,omitempty"`
}

// CPUDetail is the class-specific detail payload for a CPU worker.
type CPUDetail struct {
	PercentCPU int    `json:"percent_cpu"`
	Burn       string `json:"burn"`
	TotalWork  uint64 `json:"total_work"`
}

// MemDetail is the class-specific detail payload for a memory worker.
type MemDetail struct {
	TotalRAM   uint64 `json:"total_ram"`
	WorkingRAM uint64 `json:"working_ram"`
	BlockSize  uint64 `json:"blksize"`
	IORate     uint64 `json:"iorate"`
	Stride     uint64 `json:"stride"`
	NTBlocks   uint64 `json:"ntblks"`
	NWBlocks   uint64 `json:"nwblks"`
}

// DiskDetail is the class-specific detail payload for a disk worker.
type DiskDetail struct {
	Path       string `json:"path"`
	BlockSize  uint64 `json:"blksize"`
	NumBlocks  uint64 `json:"nblks"`
	Mode       string `json:"mode"`
	IORate     uint64 `json:"iorate"`
	SyncEvery  uint64 `json:"sync"`
	Reads      uint64 `json:"reads"`
	Writes     uint64 `json:"writes"`
	Seeks      uint64 `json:"seeks"`
	NumReads   uint64 `json:"num_reads"`
	NumWrites  uint64 `json:"num_writes"`
	NumSeeks   uint64 `json:"num_seeks"`
}

// NetDetail is the class-specific detail payload for a network worker.
type NetDetail struct {
	Addr     string `json:"addr"`
	Port     int    `json:"port"`
	Proto    string `json:"proto"`
	Mode     string `json:"mode"`
	PktSize  uint64 `json:"pktsize"`
	IORate   uint64 `json:"iorate"`
	Bytes    uint64 `json:"bytes"`
	Usecs    uint64 `json:"usecs"`
}

// LinkSnapshot is the JSON view of one link ring, for future `info`
// extensions that enumerate links rather than workers.
type LinkSnapshot struct {
	Label   string   `json:"label"`
	Members []string `json:"members"`
	Works   []uint64 `json:"works"`
}

// detailJSON marshals a class-specific detail struct, swallowing errors
// since every field here is a plain value type that always marshals.
func detailJSON(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
