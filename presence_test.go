package chatsync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPresence_Typing_Expires_After_TTL(t *testing.T) {
	req := require.New(t)
	clk := newFakeClock()
	p := NewPresence(clk, nil, nil)

	// Given alice starts typing with a 5s ttl
	p.SetTyping("c1", other, true, 5*time.Second)
	req.Equal([]string{other}, p.Typing("c1"))

	// When 4s pass nothing changes
	clk.Advance(4 * time.Second)
	req.True(p.IsTyping("c1", other))

	// Then after the ttl the entry is gone without a stop event
	clk.Advance(time.Second)
	req.False(p.IsTyping("c1", other))
	req.Empty(p.Typing("c1"))
}

func TestPresence_Refresh_Extends_Without_Duplicating(t *testing.T) {
	req := require.New(t)
	clk := newFakeClock()
	n := newNotifier(16, nil)
	p := NewPresence(clk, n, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes, _ := n.Subscribe(ctx, TopicPresence)

	// Given two typing starts 3s apart within the ttl
	p.SetTyping("c1", other, true, 5*time.Second)
	clk.Advance(3 * time.Second)
	p.SetTyping("c1", other, true, 5*time.Second)

	// Then one entry exists and only one change was published
	req.Equal([]string{other}, p.Typing("c1"))
	req.Len(changes, 1)

	// And the expiry moved: 5s after the first start it is still there
	clk.Advance(2 * time.Second)
	req.True(p.IsTyping("c1", other))
	req.Equal(1, clk.Pending())

	clk.Advance(3 * time.Second)
	req.False(p.IsTyping("c1", other))
	req.Len(changes, 2)
}

func TestPresence_Stop_Removes_Entry(t *testing.T) {
	req := require.New(t)
	clk := newFakeClock()
	p := NewPresence(clk, nil, nil)

	p.SetTyping("c1", other, true, 5*time.Second)
	p.SetTyping("c1", other, false, 0)

	req.False(p.IsTyping("c1", other))
	req.Zero(clk.Pending())
}

func TestPresence_Reachable_And_Clear(t *testing.T) {
	req := require.New(t)
	clk := newFakeClock()
	p := NewPresence(clk, nil, nil)

	p.SetReachable("bob", true)
	p.SetReachable(other, true)
	p.SetReachable(other, true)
	p.SetTyping("c1", other, true, time.Second)
	req.Equal([]string{other, "bob"}, p.Reachable())
	req.True(p.IsReachable("bob"))

	p.SetReachable("bob", false)
	req.False(p.IsReachable("bob"))

	// When the channel drops everything is forgotten
	p.Clear()
	req.Empty(p.Reachable())
	req.Empty(p.Typing("c1"))
	req.Zero(clk.Pending())
}
