// Package conflict decides how divergent versions of a record are
// reconciled during synchronization. The resolver is a pure decision
// function: it inspects an incoming change and the target's current state
// and produces the action to take, without touching either store.
package conflict

import (
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/ricardomaia/syncbridge/internal/models"
)

// Strategy selects how a true write-write conflict is settled.
type Strategy string

const (
	StrategyRemoteWins Strategy = "remote_wins" // remote snapshot always overwrites local
	StrategyLocalWins  Strategy = "local_wins"  // inverse of remote_wins
	StrategyNewestWins Strategy = "newest_wins" // later last_modified wins, ties go to remote
	StrategyManual     Strategy = "manual"      // neither side applied until an operator decides
)

// ParseStrategy maps a configuration string onto a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyRemoteWins, StrategyLocalWins, StrategyNewestWins, StrategyManual:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("unknown conflict strategy %q", s)
	}
}

// Side names one of the two replicas.
type Side string

const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
)

// Opposite returns the other replica.
func (s Side) Opposite() Side {
	if s == SideLocal {
		return SideRemote
	}
	return SideLocal
}

// Incoming is the change being propagated: a pending change-log entry and
// the replica it originated on.
type Incoming struct {
	Entry  *models.ChangeLogEntry
	Origin Side
}

// Modified returns the timestamp the originating write stamped on the
// record. Capture happens in the same transaction as the mutation, so the
// entry's creation time is the record's last_modified after the operation.
func (in Incoming) Modified() time.Time {
	return in.Entry.CreatedAt
}

// Action is what the orchestrator must do on the target store.
type Action int

const (
	ActionApply  Action = iota // write Data at NewVersion to the target
	ActionDelete               // remove the record from the target
	ActionSkip                 // target state stands; the entry is settled
	ActionDefer                // nothing applied; awaits manual resolution
)

// Decision is the resolver's verdict for one entry.
type Decision struct {
	Action     Action
	Data       models.RowData
	NewVersion int
	Modified   time.Time

	// Conflict is non-nil whenever a true divergence was detected. For
	// strategy-settled conflicts it arrives already resolved; for manual
	// ones ResolvedAt is nil.
	Conflict *models.Conflict
}

// Resolver arbitrates between an incoming change and the target replica's
// current record.
type Resolver struct{}

// NewResolver creates a Resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Decide resolves one incoming entry against the target's current record.
// target is nil when the record does not exist on the target, which is
// never a conflict: the change fast-forwards.
//
// A true conflict exists when the target holds a change the source has
// not seen: its version is ahead of the version the source believed it
// was mutating, or it sits at that version carrying different content
// than the snapshot the source mutated.
func (r *Resolver) Decide(in Incoming, target *models.Record, strategy Strategy) *Decision {
	entry := in.Entry

	if target == nil {
		if entry.IsTombstone() {
			// Already gone on the target; the tombstone outcome holds.
			return &Decision{Action: ActionSkip}
		}
		return &Decision{
			Action:     ActionApply,
			Data:       entry.NewData,
			NewVersion: entry.Version,
			Modified:   in.Modified(),
		}
	}

	// Target behind the version the source wrote against, or exactly at
	// it holding the very state the source mutated: a plain fast-forward.
	// Same version number with different content means both sides wrote
	// independently, which is a conflict, not a fast-forward.
	if target.Version < entry.BaseVersion() ||
		(target.Version == entry.BaseVersion() && rowDataEqual(target.Data, entry.OldData)) {
		if entry.IsTombstone() {
			return &Decision{Action: ActionDelete}
		}
		return &Decision{
			Action:     ActionApply,
			Data:       entry.NewData,
			NewVersion: entry.Version,
			Modified:   in.Modified(),
		}
	}

	// At-most-once: a re-scanned entry whose outcome already sits on the
	// target, at its own version or a strategy-merged one, is settled
	// without another write.
	if !entry.IsTombstone() && target.Version >= entry.Version && rowDataEqual(target.Data, entry.NewData) {
		return &Decision{Action: ActionSkip}
	}

	// True conflict: the target carries an unsynced change to this record.
	if entry.IsTombstone() {
		return r.decideDeleteUpdate(in, target, strategy)
	}
	return r.decideUpdateUpdate(in, target, strategy)
}

// decideUpdateUpdate settles concurrent divergent writes to the same record.
func (r *Resolver) decideUpdateUpdate(in Incoming, target *models.Record, strategy Strategy) *Decision {
	entry := in.Entry
	conflict := r.newConflict(in, target, strategy)

	var winner Side
	switch strategy {
	case StrategyRemoteWins:
		winner = SideRemote
	case StrategyLocalWins:
		winner = SideLocal
	case StrategyNewestWins:
		winner = newestSide(in, target)
	case StrategyManual:
		return &Decision{Action: ActionDefer, Conflict: conflict}
	default:
		winner = SideRemote
	}

	resolved := time.Now().UTC()
	conflict.ResolvedAt = &resolved
	conflict.ResolvedBy = "strategy:" + string(strategy)

	newVersion := maxInt(entry.Version, target.Version) + 1

	if winner == in.Origin {
		// The incoming snapshot overwrites the target.
		conflict.ResolutionData = entry.NewData
		return &Decision{
			Action:     ActionApply,
			Data:       entry.NewData,
			NewVersion: newVersion,
			Modified:   resolved,
			Conflict:   conflict,
		}
	}

	// The target's state stands; the incoming change loses.
	conflict.ResolutionData = target.Data
	return &Decision{Action: ActionSkip, Conflict: conflict}
}

// decideDeleteUpdate settles the destructive case: one side deleted the
// record while the other updated it. Deletion is never resolved silently;
// only an explicit remote-wins or local-wins strategy lets the deciding
// side's outcome through, everything else defers to an operator.
func (r *Resolver) decideDeleteUpdate(in Incoming, target *models.Record, strategy Strategy) *Decision {
	conflict := r.newConflict(in, target, strategy)

	switch strategy {
	case StrategyRemoteWins, StrategyLocalWins:
		deciding := SideRemote
		if strategy == StrategyLocalWins {
			deciding = SideLocal
		}

		resolved := time.Now().UTC()
		conflict.ResolvedAt = &resolved
		conflict.ResolvedBy = "strategy:" + string(strategy)

		if deciding == in.Origin {
			// The deleting side decides: the record goes.
			return &Decision{Action: ActionDelete, Conflict: conflict}
		}
		// The updating side decides: the record stays as the target has it.
		conflict.ResolutionData = target.Data
		return &Decision{Action: ActionSkip, Conflict: conflict}
	default:
		return &Decision{Action: ActionDefer, Conflict: conflict}
	}
}

// newConflict snapshots both sides of a divergence. The incoming side's
// state comes from the change-log entry, the target side's from its
// current record.
func (r *Resolver) newConflict(in Incoming, target *models.Record, strategy Strategy) *models.Conflict {
	entry := in.Entry

	c := &models.Conflict{
		ID:                 uuid.New().String(),
		TableName:          entry.TableName,
		RecordID:           entry.RecordID,
		ResolutionStrategy: string(strategy),
		CreatedAt:          time.Now().UTC(),
	}

	incomingData := entry.NewData
	if entry.IsTombstone() {
		incomingData = nil
	}

	if in.Origin == SideRemote {
		c.RemoteData = incomingData
		c.RemoteVersion = entry.Version
		c.RemoteModified = in.Modified()
		c.LocalData = target.Data
		c.LocalVersion = target.Version
		c.LocalModified = target.LastModified
	} else {
		c.LocalData = incomingData
		c.LocalVersion = entry.Version
		c.LocalModified = in.Modified()
		c.RemoteData = target.Data
		c.RemoteVersion = target.Version
		c.RemoteModified = target.LastModified
	}

	return c
}

// newestSide picks the side with the later last_modified; ties go to the
// remote replica.
func newestSide(in Incoming, target *models.Record) Side {
	incomingMod := in.Modified()
	targetMod := target.LastModified

	if incomingMod.After(targetMod) {
		return in.Origin
	}
	if targetMod.After(incomingMod) {
		return in.Origin.Opposite()
	}
	return SideRemote
}

// rowDataEqual compares payloads column by column. Change-log snapshots
// come back from JSON with numbers as float64 while live records carry
// the driver's integer types, so numerics compare by value, not type.
func rowDataEqual(a, b models.RowData) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !valueEqual(av, bv) {
			return false
		}
	}
	return true
}

func valueEqual(a, b interface{}) bool {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		return ok && af == bf
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	default:
		return 0, false
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
