// Package graph builds a bounded transaction neighborhood around an address
// and derives centrality, clustering, risk paths and risky members from it.
package graph

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"sort"
	"time"

	"risk-pipeline/internal/history"
	"risk-pipeline/internal/schema"
)

// Traversal limits and risk thresholds.
const (
	DefaultDepth      = 2
	MaxTxPerNode      = 50
	MaxNetworkSize    = 500
	RiskPathThreshold = 0.7
	RiskNodeThreshold = 0.4
	baseEdgeWeight    = 0.5
	minDistanceWeight = 0.1
	directWeightShare = 0.7
	secondOrderShare  = 0.3
	recentDay         = 24 * time.Hour
)

// ProfileSource looks up address profiles in batches.
type ProfileSource interface {
	GetProfiles(ctx context.Context, addrs []string) (map[string]*schema.AddressProfile, error)
}

// Analyzer computes graph features. It is safe for concurrent use.
type Analyzer struct {
	store    history.Store
	profiles ProfileSource
	now      func() time.Time
	logger   *slog.Logger
}

// NewAnalyzer creates a graph Analyzer. profiles may be nil, in which case
// risk paths and risk nodes are not computed.
func NewAnalyzer(store history.Store, profiles ProfileSource, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{store: store, profiles: profiles, now: time.Now, logger: logger}
}

// WithClock overrides the reference time used for edge recency.
func (a *Analyzer) WithClock(now func() time.Time) *Analyzer {
	a.now = now
	return a
}

// network is an undirected weighted graph with BFS hop distances.
type network struct {
	adj      map[string]map[string]float64
	distance map[string]int
	order    []string // discovery order, source first
}

func newNetwork(source string) *network {
	return &network{
		adj:      map[string]map[string]float64{source: {}},
		distance: map[string]int{source: 0},
		order:    []string{source},
	}
}

func (n *network) addEdge(a, b string, w float64) {
	if n.adj[a] == nil {
		n.adj[a] = make(map[string]float64)
	}
	if n.adj[b] == nil {
		n.adj[b] = make(map[string]float64)
	}
	if w > n.adj[a][b] {
		n.adj[a][b] = w
		n.adj[b][a] = w
	}
}

// Analyze returns graph features for source. depth <= 0 uses DefaultDepth.
// It never fails: lookup errors yield the empty result.
func (a *Analyzer) Analyze(ctx context.Context, source, target string, depth int) (res schema.GraphAnalysisResult) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("graph analysis panicked", "address", source, "panic", r)
			res = schema.EmptyGraphResult()
		}
	}()

	if depth <= 0 {
		depth = DefaultDepth
	}
	if source == "" {
		return schema.EmptyGraphResult()
	}

	net, err := a.build(ctx, source, depth)
	if err != nil {
		a.logger.Warn("graph build failed", "address", source, "error", err)
		return schema.EmptyGraphResult()
	}

	res = schema.EmptyGraphResult()
	res.Degree = len(net.adj[source])
	res.Centrality = centrality(net, source)
	res.Clustering = clustering(net, source)

	if a.profiles == nil || len(net.order) < 2 {
		return res
	}

	members := net.order[1:]
	profiles, err := a.profiles.GetProfiles(ctx, members)
	if err != nil {
		a.logger.Warn("graph profile lookup failed", "address", source, "error", err)
		return schema.EmptyGraphResult()
	}

	risk := func(addr string) float64 {
		if p, ok := profiles[addr]; ok && p != nil {
			return schema.Clamp01(p.RiskScore)
		}
		return 0
	}

	for _, m := range members {
		if r := risk(m); r >= RiskNodeThreshold {
			res.RiskNodes = append(res.RiskNodes, schema.RiskNode{
				Address:   m,
				RiskScore: r,
				Distance:  net.distance[m],
			})
		}
	}
	sort.SliceStable(res.RiskNodes, func(i, j int) bool {
		return res.RiskNodes[i].RiskScore > res.RiskNodes[j].RiskScore
	})

	dist, hops := shortestPaths(net, source)
	pathTo := func(to string) {
		d, ok := dist[to]
		if !ok || d <= 0 {
			return
		}
		res.RiskPaths = append(res.RiskPaths, schema.RiskPath{
			From:   source,
			To:     to,
			Weight: schema.Clamp01(float64(hops[to]) / d),
		})
	}
	if target != "" {
		pathTo(target)
	} else {
		for _, m := range members {
			if risk(m) >= RiskPathThreshold {
				pathTo(m)
			}
		}
	}
	sort.SliceStable(res.RiskPaths, func(i, j int) bool {
		return res.RiskPaths[i].Weight > res.RiskPaths[j].Weight
	})

	return res
}

// build runs a BFS of at most depth hops, fetching a bounded number of
// transactions per node.
func (a *Analyzer) build(ctx context.Context, source string, depth int) (*network, error) {
	net := newNetwork(source)
	now := a.now()
	frontier := []string{source}

	for hop := 1; hop <= depth && len(frontier) > 0; hop++ {
		var next []string
		for _, node := range frontier {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			events, err := a.store.RecentByAddress(ctx, node, time.Time{}, MaxTxPerNode)
			if err != nil {
				return nil, fmt.Errorf("fetch %s: %w", node, err)
			}
			for _, e := range events {
				other := history.Counterparty(e, node)
				if other == "" {
					continue
				}
				if _, seen := net.distance[other]; !seen {
					if len(net.order) >= MaxNetworkSize {
						continue
					}
					net.distance[other] = hop
					net.order = append(net.order, other)
					next = append(next, other)
				}
				net.addEdge(node, other, EdgeWeight(e.ValueWei(), now.Sub(time.Unix(e.Timestamp, 0))))
			}
		}
		frontier = next
	}
	return net, nil
}

// EdgeWeight is the base weight plus amount and recency tiers.
func EdgeWeight(value *big.Int, age time.Duration) float64 {
	return baseEdgeWeight + amountTier(value) + recencyTier(age)
}

func amountTier(value *big.Int) float64 {
	switch {
	case value.Cmp(schema.Ether(100)) >= 0:
		return 0.3
	case value.Cmp(schema.Ether(10)) >= 0:
		return 0.2
	case value.Cmp(schema.Ether(1)) >= 0:
		return 0.1
	}
	return 0
}

func recencyTier(age time.Duration) float64 {
	switch {
	case age <= recentDay:
		return 0.3
	case age <= 7*recentDay:
		return 0.2
	case age <= 30*recentDay:
		return 0.1
	}
	return 0.05
}

// centrality blends the mean direct edge weight with the share of the
// network reachable in exactly two hops.
func centrality(net *network, source string) float64 {
	direct := net.adj[source]
	if len(direct) == 0 {
		return 0
	}
	var sum float64
	for _, w := range direct {
		sum += w
	}
	mean := sum / float64(len(direct))

	secondOrder := 0
	for _, d := range net.distance {
		if d == 2 {
			secondOrder++
		}
	}
	size := len(net.order)
	return schema.Clamp01(directWeightShare*mean + secondOrderShare*float64(secondOrder)/float64(2*size))
}

// clustering is the fraction of neighbor pairs that are themselves connected.
func clustering(net *network, source string) float64 {
	neighbors := make([]string, 0, len(net.adj[source]))
	for n := range net.adj[source] {
		neighbors = append(neighbors, n)
	}
	k := len(neighbors)
	if k < 2 {
		return 0
	}
	triangles := 0
	for i := 0; i < k; i++ {
		for j := i + 1; j < k; j++ {
			if _, ok := net.adj[neighbors[i]][neighbors[j]]; ok {
				triangles++
			}
		}
	}
	return float64(triangles) / float64(k*(k-1)/2)
}

// shortestPaths runs Dijkstra over distance 1/max(weight, 0.1) and returns
// the distance and hop count to every reachable node.
func shortestPaths(net *network, source string) (map[string]float64, map[string]int) {
	dist := map[string]float64{source: 0}
	hops := map[string]int{source: 0}
	done := make(map[string]bool)

	pq := &queue{{node: source, dist: 0}}
	for pq.Len() > 0 {
		cur := heap.Pop(pq).(item)
		if done[cur.node] {
			continue
		}
		done[cur.node] = true

		for next, w := range net.adj[cur.node] {
			d := cur.dist + 1/math.Max(w, minDistanceWeight)
			if old, ok := dist[next]; !ok || d < old {
				dist[next] = d
				hops[next] = hops[cur.node] + 1
				heap.Push(pq, item{node: next, dist: d})
			}
		}
	}
	return dist, hops
}

type item struct {
	node string
	dist float64
}

type queue []item

func (q queue) Len() int           { return len(q) }
func (q queue) Less(i, j int) bool { return q[i].dist < q[j].dist }
func (q queue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *queue) Push(x any)        { *q = append(*q, x.(item)) }
func (q *queue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	*q = old[:n-1]
	return it
}
