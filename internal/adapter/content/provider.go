// Package content loads and validates the activity content documents:
// activity, levels, rewards. The loaded snapshot is immutable; Reload
// builds and validates a full replacement before swapping it in, so a bad
// edit can never leave the process half-configured.
package content

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/prompt-gauntlet/internal/domain"
)

// Document base names. Each may carry a .json, .yaml, or .yml extension.
const (
	activityDoc = "activity"
	levelsDoc   = "levels"
	rewardsDoc  = "rewards"
)

var docExtensions = []string{".json", ".yaml", ".yml"}

type levelsFile struct {
	Levels []domain.Level `json:"levels" yaml:"levels" validate:"required,min=1,dive"`
}

type rewardsFile struct {
	Pools []domain.RewardPool `json:"pools" yaml:"pools" validate:"required,min=1,dive"`
}

type snapshot struct {
	activity domain.Activity
	levels   []domain.Level
	byID     map[int]domain.Level
	pools    map[string]domain.RewardPool
	maxLevel int
}

// Provider implements domain.ContentProvider over a content directory.
type Provider struct {
	dir      string
	validate *validator.Validate

	mu   sync.RWMutex
	snap *snapshot
}

// New returns a provider for dir. Call Reload before first use; the
// constructor does not touch the filesystem.
func New(dir string) *Provider {
	return &Provider{
		dir:      dir,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Activity returns the current activity document.
func (p *Provider) Activity() domain.Activity {
	return p.snapshot().activity
}

// Levels returns the levels ordered by id.
func (p *Provider) Levels() []domain.Level {
	return p.snapshot().levels
}

// Level returns one level by id.
func (p *Provider) Level(id int) (domain.Level, bool) {
	l, ok := p.snapshot().byID[id]
	return l, ok
}

// Pool returns one reward pool by id.
func (p *Provider) Pool(id string) (domain.RewardPool, bool) {
	pool, ok := p.snapshot().pools[id]
	return pool, ok
}

// MaxLevel returns the highest level id.
func (p *Provider) MaxLevel() int {
	return p.snapshot().maxLevel
}

// Reload re-reads and validates all three documents. On any error the
// current snapshot stays in place and the error wraps ErrSchemaInvalid.
func (p *Provider) Reload(_ domain.Context) error {
	next, err := p.load()
	if err != nil {
		return fmt.Errorf("op=content.Reload: %w", err)
	}
	p.mu.Lock()
	p.snap = next
	p.mu.Unlock()
	return nil
}

func (p *Provider) snapshot() *snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.snap == nil {
		return &snapshot{byID: map[int]domain.Level{}, pools: map[string]domain.RewardPool{}}
	}
	return p.snap
}

func (p *Provider) load() (*snapshot, error) {
	var activity domain.Activity
	if err := p.loadDocument(activityDoc, &activity); err != nil {
		return nil, err
	}
	var lf levelsFile
	if err := p.loadDocument(levelsDoc, &lf); err != nil {
		return nil, err
	}
	var rf rewardsFile
	if err := p.loadDocument(rewardsDoc, &rf); err != nil {
		return nil, err
	}

	for _, doc := range []any{activity, lf, rf} {
		if err := p.validate.Struct(doc); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrSchemaInvalid, err)
		}
	}

	snap := &snapshot{
		activity: activity,
		levels:   append([]domain.Level(nil), lf.Levels...),
		byID:     make(map[int]domain.Level, len(lf.Levels)),
		pools:    make(map[string]domain.RewardPool, len(rf.Pools)),
	}
	sort.Slice(snap.levels, func(i, j int) bool { return snap.levels[i].LevelID < snap.levels[j].LevelID })

	for _, pool := range rf.Pools {
		if _, dup := snap.pools[pool.PoolID]; dup {
			return nil, fmt.Errorf("%w: duplicate pool id %q", domain.ErrSchemaInvalid, pool.PoolID)
		}
		snap.pools[pool.PoolID] = pool
	}
	if err := checkLevels(snap); err != nil {
		return nil, err
	}
	if err := checkPools(rf.Pools); err != nil {
		return nil, err
	}
	if !activity.EndAt.After(activity.StartAt) {
		return nil, fmt.Errorf("%w: activity window end_at must follow start_at", domain.ErrSchemaInvalid)
	}
	snap.maxLevel = snap.levels[len(snap.levels)-1].LevelID
	return snap, nil
}

// checkLevels enforces the cross-document constraints: ids contiguous from
// 1, pool references resolve, regex targets compile.
func checkLevels(snap *snapshot) error {
	for i, level := range snap.levels {
		if level.LevelID != i+1 {
			return fmt.Errorf("%w: level ids must be contiguous from 1, got %d at position %d",
				domain.ErrSchemaInvalid, level.LevelID, i+1)
		}
		snap.byID[level.LevelID] = level
		if _, ok := snap.pools[level.RewardPoolID]; !ok {
			return fmt.Errorf("%w: level %d references unknown pool %q",
				domain.ErrSchemaInvalid, level.LevelID, level.RewardPoolID)
		}
		if level.Grading.Keyword.MatchPolicy == domain.MatchRegex {
			if _, err := regexp.Compile(level.Grading.Keyword.TargetPhrase); err != nil {
				return fmt.Errorf("%w: level %d target regex: %v", domain.ErrSchemaInvalid, level.LevelID, err)
			}
		}
	}
	return nil
}

// checkPools enforces item constraints: unique item ids across every pool
// and single-claim JD_ECARD items.
func checkPools(pools []domain.RewardPool) error {
	seen := make(map[string]string)
	for _, pool := range pools {
		for _, item := range pool.Items {
			if prev, dup := seen[item.ItemID]; dup {
				return fmt.Errorf("%w: item id %q appears in pools %q and %q",
					domain.ErrSchemaInvalid, item.ItemID, prev, pool.PoolID)
			}
			seen[item.ItemID] = pool.PoolID
			if item.Kind == domain.RewardJDECard && item.MaxClaimsPerItem != 1 {
				return fmt.Errorf("%w: JD_ECARD item %q must have max_claims_per_item 1, got %d",
					domain.ErrSchemaInvalid, item.ItemID, item.MaxClaimsPerItem)
			}
		}
	}
	return nil
}

// loadDocument finds base.{json,yaml,yml} in the content dir and decodes it.
func (p *Provider) loadDocument(base string, out any) error {
	for _, ext := range docExtensions {
		path := filepath.Join(p.dir, base+ext)
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if ext == ".json" {
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("%w: %s: %v", domain.ErrSchemaInvalid, path, err)
			}
			return nil
		}
		if err := yaml.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%w: %s: %v", domain.ErrSchemaInvalid, path, err)
		}
		return nil
	}
	return fmt.Errorf("%w: document %s not found in %s", domain.ErrSchemaInvalid, base, p.dir)
}
