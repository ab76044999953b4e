// Package indexer maintains secondary indexes over committed events so game
// servers can query matches by player, replay resolved rounds and find
// matches parked in resolving without scanning full state.
package indexer

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/tolelom/shadowduel/core"
	"github.com/tolelom/shadowduel/events"
	"github.com/tolelom/shadowduel/storage"
)

const (
	prefixPlayerMatch = "idx:player:match:"
	prefixRounds      = "idx:rounds:"
	prefixDamage      = "idx:damage:"
	keyResolving      = "idx:resolving"
)

// DamageTotals is the damage each seat has received so far.
type DamageTotals struct {
	ToA    uint64 `json:"to_a"`
	ToB    uint64 `json:"to_b"`
	Rounds int    `json:"rounds"`
	Draws  int    `json:"draws"`
}

// Indexer subscribes to ledger events and updates secondary lookup tables.
type Indexer struct {
	mu sync.Mutex
	db storage.DB
}

// New creates an Indexer backed by db and subscribes to relevant events.
func New(db storage.DB, emitter *events.Emitter) *Indexer {
	idx := &Indexer{db: db}
	emitter.Subscribe(events.EventMatchCreated, idx.onMatchCreated)
	emitter.Subscribe(events.EventMatchJoined, idx.onMatchJoined)
	emitter.Subscribe(events.EventComputationQueued, idx.onComputationQueued)
	emitter.Subscribe(events.EventRoundEnd, idx.onRoundEnd)
	emitter.Subscribe(events.EventResolutionAbandoned, idx.onResolutionAbandoned)
	return idx
}

// MatchesByPlayer returns the ids of every match the player sits in.
func (idx *Indexer) MatchesByPlayer(player string) ([]string, error) {
	return idx.getList(prefixPlayerMatch + player)
}

// Rounds returns every resolved round of a match, oldest first.
func (idx *Indexer) Rounds(matchID string) ([]core.Round, error) {
	var rounds []core.Round
	err := idx.getJSON(prefixRounds+matchID, &rounds)
	return rounds, err
}

// Damage returns the running damage totals of a match.
func (idx *Indexer) Damage(matchID string) (DamageTotals, error) {
	var d DamageTotals
	err := idx.getJSON(prefixDamage+matchID, &d)
	return d, err
}

// ResolvingMatches returns the ids of matches waiting on a computation.
func (idx *Indexer) ResolvingMatches() ([]string, error) {
	ids, err := idx.getList(keyResolving)
	sort.Strings(ids)
	return ids, err
}

// ---- event handlers ----

func (idx *Indexer) onMatchCreated(ev events.Event) {
	id, _ := ev.Data["match_id"].(string)
	player, _ := ev.Data["player_a"].(string)
	if id == "" || player == "" {
		return
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.logErr(ev, idx.addToList(prefixPlayerMatch+player, id))
}

func (idx *Indexer) onMatchJoined(ev events.Event) {
	id, _ := ev.Data["match_id"].(string)
	player, _ := ev.Data["player_b"].(string)
	if id == "" || player == "" {
		return
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.logErr(ev, idx.addToList(prefixPlayerMatch+player, id))
}

func (idx *Indexer) onComputationQueued(ev events.Event) {
	id, _ := ev.Data["match_id"].(string)
	if id == "" {
		return
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.logErr(ev, idx.addToList(keyResolving, id))
}

func (idx *Indexer) onResolutionAbandoned(ev events.Event) {
	id, _ := ev.Data["match_id"].(string)
	if id == "" {
		return
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.logErr(ev, idx.removeFromList(keyResolving, id))
}

func (idx *Indexer) onRoundEnd(ev events.Event) {
	id, _ := ev.Data["match_id"].(string)
	winner, _ := ev.Data["winner_id"].(uint8)
	damage, _ := ev.Data["damage"].(uint64)
	turn, _ := ev.Data["turn"].(uint64)
	compID, _ := ev.Data["computation_id"].(string)
	at, _ := ev.Data["resolved_at"].(int64)
	if id == "" {
		return
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.logErr(ev, idx.removeFromList(keyResolving, id))

	var rounds []core.Round
	if err := idx.getJSON(prefixRounds+id, &rounds); err != nil {
		idx.logErr(ev, err)
		return
	}
	rounds = append(rounds, core.Round{
		MatchID:       id,
		Turn:          turn,
		Winner:        core.Winner(winner),
		Damage:        damage,
		ComputationID: compID,
		ResolvedAt:    at,
	})
	idx.logErr(ev, idx.setJSON(prefixRounds+id, rounds))

	var d DamageTotals
	if err := idx.getJSON(prefixDamage+id, &d); err != nil {
		idx.logErr(ev, err)
		return
	}
	d.Rounds++
	switch core.Winner(winner) {
	case core.WinnerA:
		d.ToB += damage
	case core.WinnerB:
		d.ToA += damage
	default:
		d.Draws++
	}
	idx.logErr(ev, idx.setJSON(prefixDamage+id, d))
}

func (idx *Indexer) logErr(ev events.Event, err error) {
	if err != nil {
		log.Printf("[indexer] %s (tx %s): %v", ev.Type, ev.TxID, err)
	}
}

// ---- storage helpers ----

// getJSON leaves v untouched when key is absent.
func (idx *Indexer) getJSON(key string, v any) error {
	data, err := idx.db.Get([]byte(key))
	if errors.Is(err, core.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("indexer unmarshal %s: %w", key, err)
	}
	return nil
}

func (idx *Indexer) setJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return idx.db.Set([]byte(key), data)
}

func (idx *Indexer) getList(key string) ([]string, error) {
	var ids []string
	err := idx.getJSON(key, &ids)
	return ids, err
}

func (idx *Indexer) addToList(key, value string) error {
	ids, err := idx.getList(key)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id == value {
			return nil
		}
	}
	return idx.setJSON(key, append(ids, value))
}

func (idx *Indexer) removeFromList(key, value string) error {
	ids, err := idx.getList(key)
	if err != nil {
		return err
	}
	filtered := ids[:0]
	for _, id := range ids {
		if id != value {
			filtered = append(filtered, id)
		}
	}
	return idx.setJSON(key, filtered)
}
