package daemon

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nyxnet/nyx/internal/crypto"
	"github.com/nyxnet/nyx/internal/mix"
)

// descriptorJSON is the on-disk shape of a mix.NodeDescriptor: PublicKey
// is hex-encoded since [32]byte has no natural JSON representation.
type descriptorJSON struct {
	NodeID     string  `json:"node_id"`
	PublicKey  string  `json:"public_key"`
	Address    string  `json:"address"`
	Load       float64 `json:"load"`
	Reputation float64 `json:"reputation"`
}

// loadDirectory reads a mix directory file. A missing file is not an
// error: a freshly initialized node starts with an empty directory and
// learns peers only when descriptors are added to the file by hand (for
// example with `nyx add-node`).
func loadDirectory(path string) ([]mix.NodeDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("daemon: read directory file: %w", err)
	}

	var raw []descriptorJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("daemon: parse directory file: %w", err)
	}

	nodes := make([]mix.NodeDescriptor, 0, len(raw))
	for _, r := range raw {
		keyBytes, err := hex.DecodeString(r.PublicKey)
		if err != nil || len(keyBytes) != crypto.KeySize {
			return nil, fmt.Errorf("daemon: directory entry %q has malformed public key", r.NodeID)
		}
		var desc mix.NodeDescriptor
		desc.NodeID = r.NodeID
		copy(desc.PublicKey[:], keyBytes)
		desc.Address = r.Address
		desc.Load = r.Load
		desc.Reputation = r.Reputation
		nodes = append(nodes, desc)
	}
	return nodes, nil
}

// saveDirectory persists nodes to path, atomically.
func saveDirectory(path string, nodes []mix.NodeDescriptor) error {
	raw := make([]descriptorJSON, 0, len(nodes))
	for _, n := range nodes {
		raw = append(raw, descriptorJSON{
			NodeID:     n.NodeID,
			PublicKey:  hex.EncodeToString(n.PublicKey[:]),
			Address:    n.Address,
			Load:       n.Load,
			Reputation: n.Reputation,
		})
	}

	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("daemon: encode directory file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("daemon: create directory file parent: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("daemon: write directory file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("daemon: persist directory file: %w", err)
	}
	return nil
}

// AddNode inserts or replaces a node descriptor in the live directory and
// persists the updated list.
func (d *Daemon) AddNode(desc mix.NodeDescriptor) error {
	nodes := d.dir.Snapshot()
	replaced := false
	for i, n := range nodes {
		if n.NodeID == desc.NodeID {
			nodes[i] = desc
			replaced = true
			break
		}
	}
	if !replaced {
		nodes = append(nodes, desc)
	}
	d.dir.Replace(nodes)
	return saveDirectory(d.cfg.Mix.DirectoryFile, nodes)
}
