package types

import (
	"golang.org/x/xerrors"
)

// FileRecord is the catalog entry keyed by ContentID. Hosts and SharedWith
// only ever grow.
type FileRecord struct {
	ContentID         string   `json:"contentId"`
	FileName          string   `json:"fileName"`
	FileType          string   `json:"fileType"`
	Size              uint64   `json:"size"`
	Hosts             []string `json:"hosts"`
	Owner             string   `json:"owner"`
	ReplicationFactor uint64   `json:"replicationFactor"`
	SharedWith        []string `json:"sharedWith"`
}

// FileRegistration is the argument set of registerFile.
type FileRegistration struct {
	ContentID         string
	FileName          string
	FileType          string
	Size              uint64
	Hosts             []string
	ReplicationFactor uint64
}

func (r *FileRegistration) Validate() error {
	if r.ContentID == "" {
		return xerrors.New("empty content id")
	}
	if r.ReplicationFactor < 1 {
		return xerrors.Errorf("replication factor of %s must be at least 1", r.ContentID)
	}
	return nil
}

// FileRegistered is emitted once per successful registerFile.
type FileRegistered struct {
	ContentID string `json:"contentId"`
	FileName  string `json:"fileName"`
	Owner     string `json:"owner"`

	// Block is the ledger position of the event, zero when unknown.
	Block uint64 `json:"block"`
}

func (f *FileRecord) HostedBy(id string) bool {
	for _, h := range f.Hosts {
		if h == id {
			return true
		}
	}
	return false
}

func (f *FileRecord) SharedTo(id string) bool {
	for _, s := range f.SharedWith {
		if s == id {
			return true
		}
	}
	return false
}
