package clusterd

import (
	"context"
	"net/http"

	"hyperfleet"
)

// clusterStatus is the agent's view of leadership from this node.
type clusterStatus struct {
	IsLeader  bool `json:"is_leader"`
	HasQuorum bool `json:"has_quorum"`
}

func (c *Client) Members(ctx context.Context) ([]hyperfleet.Member, error) {
	var members []hyperfleet.Member
	if err := c.do(ctx, http.MethodGet, "cluster/members", nil, nil, &members); err != nil {
		return nil, err
	}
	return members, nil
}

// Leader returns the elected leader. The agent answers 503 with reason
// no_quorum while the cluster cannot elect one, which maps to
// ErrNoQuorum.
func (c *Client) Leader(ctx context.Context) (hyperfleet.Member, error) {
	var leader hyperfleet.Member
	if err := c.do(ctx, http.MethodGet, "cluster/leader", nil, nil, &leader); err != nil {
		return hyperfleet.Member{}, err
	}
	return leader, nil
}

func (c *Client) IsLeader(ctx context.Context) (bool, error) {
	var st clusterStatus
	if err := c.do(ctx, http.MethodGet, "cluster/status", nil, nil, &st); err != nil {
		return false, err
	}
	return st.IsLeader, nil
}

func (c *Client) HasQuorum(ctx context.Context) (bool, error) {
	var st clusterStatus
	if err := c.do(ctx, http.MethodGet, "cluster/status", nil, nil, &st); err != nil {
		return false, err
	}
	return st.HasQuorum, nil
}

func (c *Client) AddMember(ctx context.Context, m hyperfleet.Member) error {
	return c.do(ctx, http.MethodPost, "cluster/members", nil, m, nil)
}

func (c *Client) RemoveMember(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "cluster/members/"+id, nil, nil, nil)
}
