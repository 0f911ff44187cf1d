package executor

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"os"
	"path/filepath"

	iofs "io/fs"

	"github.com/ZacxDev/buildloop/fs"
	"github.com/ZacxDev/buildloop/target"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// DefaultChecksumDir is where per-target checksum records live unless the
// caller injects another location.
const DefaultChecksumDir = ".buildloop"

// ChecksumRecord is the persisted fingerprint snapshot of a target's input
// and output files as of its last successful execution. Fingerprints are
// keyed by path so comparison is order-independent.
type ChecksumRecord struct {
	Inputs  map[string]string `json:"inputs"`
	Outputs map[string]string `json:"outputs"`
}

func (r *ChecksumRecord) equal(other *ChecksumRecord) bool {
	return maps.Equal(r.Inputs, other.Inputs) && maps.Equal(r.Outputs, other.Outputs)
}

// IncrementalResult reports whether the execution function ran and, if it
// ran, how it ended.
type IncrementalResult struct {
	Skipped bool
	Err     error
}

// ChecksumManager is the incremental execution engine: it decides per
// target whether the execution function can be skipped because nothing
// relevant changed since the last successful run.
type ChecksumManager interface {
	Run(t *target.Target, fn func() error) (*IncrementalResult, error)
	Clean(names []string) error
}

type checksumManager struct {
	fs  fs.FileSystem
	dir string
}

func NewChecksumManager(filesystem fs.FileSystem, dir string) ChecksumManager {
	return &checksumManager{
		fs:  filesystem,
		dir: dir,
	}
}

// Run skips fn when the target's current input and output fingerprints
// match its persisted record. Otherwise it deletes the record, runs fn,
// and persists fresh fingerprints only when fn succeeds and the target
// declares at least one input or output path. A crash mid-execution
// therefore never leaves a record claiming success.
func (cm *checksumManager) Run(t *target.Target, fn func() error) (*IncrementalResult, error) {
	unchanged, err := cm.filesUnchangedSinceLastSuccess(t)
	if err != nil {
		return nil, err
	}
	if unchanged {
		return &IncrementalResult{Skipped: true}, nil
	}

	if err := cm.removeRecord(t.Name); err != nil {
		return nil, err
	}

	execErr := fn()

	if execErr == nil {
		record, err := computeRecord(cm.fs, t)
		if err != nil {
			// Self-heals: with no record the next run starts from scratch.
			log.Printf("[%s] failed to fingerprint files, skipping checksum record: %v", t.Name, err)
		} else if record != nil {
			if err := cm.writeRecord(t.Name, record); err != nil {
				return nil, err
			}
		}
	}

	return &IncrementalResult{Err: execErr}, nil
}

func (cm *checksumManager) filesUnchangedSinceLastSuccess(t *target.Target) (bool, error) {
	saved, err := cm.readRecord(t.Name)
	if err != nil {
		return false, err
	}
	if saved == nil {
		return false, nil
	}

	current, err := computeRecord(cm.fs, t)
	if err != nil {
		// A path that cannot be fingerprinted counts as changed.
		log.Printf("[%s] failed to fingerprint files, rebuilding: %v", t.Name, err)
		return false, nil
	}
	if current == nil {
		return false, nil
	}

	return saved.equal(current), nil
}

func (cm *checksumManager) recordPath(name string) string {
	return filepath.Join(cm.dir, name+".checksum")
}

func (cm *checksumManager) readRecord(name string) (*ChecksumRecord, error) {
	data, err := cm.fs.ReadFile(cm.recordPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to read checksum record for target %s", name)
	}

	var record ChecksumRecord
	if err := json.Unmarshal(data, &record); err != nil {
		log.Printf("[%s] dropping corrupted checksum record: %v", name, err)
		if err := cm.removeRecord(name); err != nil {
			return nil, err
		}
		return nil, nil
	}

	return &record, nil
}

func (cm *checksumManager) writeRecord(name string, record *ChecksumRecord) error {
	if err := cm.fs.MkdirAll(cm.dir, 0755); err != nil {
		return errors.Wrapf(err, "failed to create checksum directory %s", cm.dir)
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to serialize checksum record for target %s", name)
	}

	if err := cm.fs.WriteFile(cm.recordPath(name), data, 0644); err != nil {
		return errors.Wrapf(err, "failed to write checksum record for target %s", name)
	}
	return nil
}

func (cm *checksumManager) removeRecord(name string) error {
	if err := cm.fs.Remove(cm.recordPath(name)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to delete checksum record for target %s", name)
	}
	return nil
}

// Clean removes the named targets' checksum records, or the entire store
// when no names are given.
func (cm *checksumManager) Clean(names []string) error {
	if len(names) == 0 {
		if err := cm.fs.RemoveAll(cm.dir); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "failed to remove checksum directory %s", cm.dir)
		}
		return nil
	}

	for _, name := range names {
		if err := cm.removeRecord(name); err != nil {
			return err
		}
	}
	return nil
}

// computeRecord fingerprints the target's watch paths (inputs) and output
// paths. It returns nil when the target declares neither; such targets are
// never skip-eligible by fingerprint.
func computeRecord(filesystem fs.FileSystem, t *target.Target) (*ChecksumRecord, error) {
	if len(t.WatchPaths) == 0 && len(t.OutputPaths) == 0 {
		return nil, nil
	}

	inputs, err := fingerprintPaths(filesystem, t.WatchPaths)
	if err != nil {
		return nil, err
	}

	var outputPaths []string
	for _, pattern := range t.OutputPaths {
		matches, err := filesystem.DoublestarGlob(pattern)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to expand output pattern %s", pattern)
		}
		outputPaths = append(outputPaths, matches...)
	}
	outputs, err := fingerprintPaths(filesystem, outputPaths)
	if err != nil {
		return nil, err
	}

	return &ChecksumRecord{Inputs: inputs, Outputs: outputs}, nil
}

// fingerprintPaths hashes every file under the given paths, independently
// per file, keyed by path.
func fingerprintPaths(filesystem fs.FileSystem, paths []string) (map[string]string, error) {
	fingerprints := make(map[string]string)

	for _, path := range paths {
		err := filesystem.WalkDir(path, func(path string, d iofs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			content, err := filesystem.ReadFile(path)
			if err != nil {
				return err
			}
			sum := sha256.Sum256(content)
			fingerprints[path] = hex.EncodeToString(sum[:])
			return nil
		})
		if err != nil {
			return nil, errors.Wrapf(err, "failed to fingerprint %s", path)
		}
	}

	return fingerprints, nil
}
