package routing

import (
	"fmt"
	"strings"

	"github.com/epvx/routingd/internal/database/models"
)

// CallContext carries the per-request state of one stage-1 computation.
type CallContext struct {
	// ID is the opaque call identifier, a 32-char lowercase hex string.
	ID           string
	CallerNumber string
	CalledNumber string
	// Caller is the resolved caller extension. Unknown callers become
	// EXTERNAL placeholders so that dial-out permission checks have a
	// subject to ask.
	Caller *models.Extension
	// visited maps extension ids to the tree path of their active
	// occurrence. It is the call-wide duplicate-detection set.
	visited map[int64]string
}

// NewCallContext prepares the per-call state. The caller's own extension id
// is pre-inserted into the duplicate set so a group containing the caller
// does not ring the caller back.
func NewCallContext(id, callerNumber, calledNumber string) *CallContext {
	return &CallContext{
		ID:           id,
		CallerNumber: callerNumber,
		CalledNumber: calledNumber,
		visited:      make(map[int64]string),
	}
}

// markVisited records an extension id as actively present at the given
// tree path. It returns the path of the earlier occurrence if one exists.
func (c *CallContext) markVisited(extensionID int64, treePath string) (string, bool) {
	if prior, ok := c.visited[extensionID]; ok {
		return prior, false
	}
	c.visited[extensionID] = treePath
	return "", true
}

// LogLevel grades a discovery log entry.
type LogLevel string

const (
	LogInfo LogLevel = "INFO"
	LogWarn LogLevel = "WARN"
)

// NodeLog is a discovery observation attached to a tree node, e.g. the
// deactivation of a duplicate member.
type NodeLog struct {
	Level LogLevel `json:"level"`
	Msg   string   `json:"msg"`
	// RelatedPath points at another tree node involved in the observation.
	RelatedPath string `json:"related_path,omitempty"`
}

// ForwardCondition records a conditional (on-busy / on-unavailable)
// forward. It does not spawn a discovery child; the telephone engine
// resolves the condition at call time from per-child fork parameters.
type ForwardCondition struct {
	Mode models.ForwardingMode `json:"mode"`
	// Number is the dialed number of the forward target.
	Number string `json:"number"`
	Delay  int    `json:"delay,omitempty"`
}

// Node is one vertex of the per-request routing tree. The tree mirrors the
// extension graph but is a proper tree: every node is owned by exactly one
// parent, duplicates are materialized as inactive copies.
type Node struct {
	Extension *models.Extension
	TreePath  string
	// Active is false for paused memberships and deduplicated occurrences.
	// Inactive nodes stay in the tree for observability but contribute
	// nothing to route generation.
	Active bool
	// SelfDevice marks the synthetic rank-0 member representing the
	// device of a MULTIRING (or delayed-forwarding SIMPLE) extension.
	// Self-device nodes are never expanded.
	SelfDevice bool
	Logs       []NodeLog
	// Forward is the single child of an immediate forward.
	Forward          *Node
	ForwardCondition *ForwardCondition
	Ranks            []*Rank
}

// Rank is one layer of a node's fork, carrying its members in stored order.
type Rank struct {
	Index int
	Mode  models.RankMode
	Delay int
	// Synthetic marks the rank appended for a delayed forward.
	Synthetic bool
	Members   []*Member
}

// Member wires a rank position to its subtree.
type Member struct {
	Type models.RankMemberType
	Node *Node
}

// IsLeaf reports whether the node is routable without further expansion.
func (n *Node) IsLeaf() bool {
	return n.Forward == nil && len(n.Ranks) == 0
}

func (n *Node) log(level LogLevel, relatedPath, format string, args ...any) {
	n.Logs = append(n.Logs, NodeLog{
		Level:       level,
		Msg:         fmt.Sprintf(format, args...),
		RelatedPath: relatedPath,
	})
}

// childPath derives the deterministic tree path of a rank member.
func childPath(parent string, rankIndex, position int) string {
	return fmt.Sprintf("%s-fr%d-%d", parent, rankIndex, position)
}

// forwardPath derives the deterministic tree path of a forward link.
func forwardPath(parent string) string {
	return parent + "-fwd"
}

// TreeJSON is the wire form of a routing tree node for the diagnostic
// endpoint. Serialization is stable: field order is fixed and rank members
// appear in discovery order.
type TreeJSON struct {
	Extension        string               `json:"extension"`
	Name             string               `json:"name,omitempty"`
	Type             models.ExtensionType `json:"type"`
	TreePath         string               `json:"tree_path"`
	Active           bool                 `json:"active"`
	Logs             []NodeLog            `json:"logs,omitempty"`
	ForwardCondition *ForwardCondition    `json:"forward_condition,omitempty"`
	Forward          *TreeJSON            `json:"forward,omitempty"`
	ForkRanks        []RankJSON           `json:"fork_ranks,omitempty"`
}

// RankJSON is the wire form of a fork rank.
type RankJSON struct {
	Index     int              `json:"index"`
	Mode      models.RankMode  `json:"mode"`
	Delay     int              `json:"delay"`
	Synthetic bool             `json:"synthetic,omitempty"`
	Members   []RankMemberJSON `json:"members"`
}

// RankMemberJSON is the wire form of a rank member.
type RankMemberJSON struct {
	Type      models.RankMemberType `json:"type"`
	Active    bool                  `json:"active"`
	Extension *TreeJSON             `json:"extension"`
}

// Serialize converts the tree into its diagnostic wire form.
func (n *Node) Serialize() *TreeJSON {
	if n == nil {
		return nil
	}
	out := &TreeJSON{
		Extension:        n.Extension.Number,
		Name:             n.Extension.Name,
		Type:             n.Extension.Type,
		TreePath:         n.TreePath,
		Active:           n.Active,
		Logs:             n.Logs,
		ForwardCondition: n.ForwardCondition,
		Forward:          n.Forward.Serialize(),
	}
	for _, rank := range n.Ranks {
		rj := RankJSON{
			Index:     rank.Index,
			Mode:      rank.Mode,
			Delay:     rank.Delay,
			Synthetic: rank.Synthetic,
		}
		for _, m := range rank.Members {
			rj.Members = append(rj.Members, RankMemberJSON{
				Type:      m.Type,
				Active:    m.Node.Active,
				Extension: m.Node.Serialize(),
			})
		}
		out.ForkRanks = append(out.ForkRanks, rj)
	}
	return out
}

// SymbolicName builds the late-route name of an inner node,
// "stage1-<call-id>-<tree-path>".
func SymbolicName(callID, treePath string) string {
	return fmt.Sprintf("stage1-%s-%s", callID, treePath)
}

// ParseSymbolicName splits a late-route name back into call id and tree
// path. The call id is a fixed-length 32-char hex token, which makes the
// parse unambiguous even though tree paths contain dashes.
func ParseSymbolicName(name string) (callID, treePath string, err error) {
	rest, ok := strings.CutPrefix(name, "stage1-")
	if !ok {
		return "", "", fmt.Errorf("not a stage1 late-route name: %q", name)
	}
	if len(rest) < 34 || rest[32] != '-' {
		return "", "", fmt.Errorf("malformed late-route name: %q", name)
	}
	callID, treePath = rest[:32], rest[33:]
	for _, r := range callID {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return "", "", fmt.Errorf("malformed call id in late-route name: %q", name)
		}
	}
	return callID, treePath, nil
}
