package pktbuf

import (
	"strings"

	"go.uber.org/zap"

	"github.com/anlab-kaist/nba-go/numa"
)

var templates = make(map[string]*template)

func validateTemplateID(id string) bool {
	for _, ch := range id {
		if !strings.ContainsRune("ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789", ch) {
			return false
		}
	}
	return true
}

// PoolInfo augments *Pool with NUMA node information.
type PoolInfo struct {
	*Pool
	node numa.Node
}

// NumaNode returns the NUMA node on which the Pool was created.
func (pool PoolInfo) NumaNode() numa.Node {
	return pool.node
}

// Template represents a template to create packet pools.
type Template interface {
	// ID returns template identifier.
	ID() string

	// Config returns current configuration.
	Config() PoolConfig

	// Update changes pool configuration.
	// Returns self.
	Update(update PoolConfig) Template

	// Pools returns a list of created Pools.
	Pools() []PoolInfo

	// Get retrieves or creates a Pool on the given NUMA node.
	// Errors are fatal.
	Get(node numa.Node) *Pool
}

type template struct {
	id    string
	cfg   PoolConfig
	pools map[numa.Node]*Pool
}

func (tpl *template) ID() string {
	return tpl.id
}

func (tpl *template) Config() PoolConfig {
	return tpl.cfg
}

func (tpl *template) Update(update PoolConfig) Template {
	if update.Capacity > 0 {
		tpl.cfg.Capacity = update.Capacity
	}
	if update.Dataroom > 0 {
		tpl.cfg.Dataroom = update.Dataroom
	}
	if update.Headroom > 0 {
		tpl.cfg.Headroom = update.Headroom
	}
	return tpl
}

func (tpl *template) Pools() (list []PoolInfo) {
	for node, pool := range tpl.pools {
		list = append(list, PoolInfo{Pool: pool, node: node})
	}
	return list
}

func (tpl *template) Get(node numa.Node) *Pool {
	if pool, ok := tpl.pools[node]; ok {
		return pool
	}
	pool, e := NewPool(tpl.id+"#"+node.String(), tpl.cfg, node)
	if e != nil {
		logger.Fatal("pool creation failed",
			zap.String("template", tpl.id),
			zap.Stringer("node", node),
			zap.Error(e),
		)
	}
	tpl.pools[node] = pool
	return pool
}

// RegisterTemplate adds a pool template.
// id must be uppercase alphanumeric and unique; violations panic.
func RegisterTemplate(id string, cfg PoolConfig) Template {
	if !validateTemplateID(id) {
		logger.Panic("invalid template ID", zap.String("id", id))
	}
	if _, ok := templates[id]; ok {
		logger.Panic("duplicate template ID", zap.String("id", id))
	}
	cfg.applyDefaults()
	tpl := &template{
		id:    id,
		cfg:   cfg,
		pools: make(map[numa.Node]*Pool),
	}
	templates[id] = tpl
	return tpl
}

// FindTemplate returns a registered template, nil if absent.
func FindTemplate(id string) Template {
	if tpl, ok := templates[id]; ok {
		return tpl
	}
	return nil
}

// Predefined pool templates.
var (
	// RxPool backs hardware RX queues.
	RxPool = RegisterTemplate("RX", PoolConfig{Capacity: 4096, Dataroom: 2176, Headroom: DefaultHeadroom})
	// NewPktPool backs packets synthesized by elements.
	NewPktPool = RegisterTemplate("NEW", PoolConfig{Capacity: 4096, Dataroom: 2176, Headroom: DefaultHeadroom})
	// ReqPool is the template sized for new-packet request records. No pool
	// is created from it: request rings carry request values directly.
	ReqPool = RegisterTemplate("REQ", PoolConfig{Capacity: 4096, Dataroom: 256, Headroom: 0})
)
