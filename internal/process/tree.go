package process

import (
	"context"
	"errors"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Descendants returns every descendant pid of pid, parents before children.
func Descendants(ctx context.Context, pid int) []int {
	var out []int
	queue := []int32{int32(pid)}
	seen := map[int32]bool{int32(pid): true}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		p, err := gopsproc.NewProcessWithContext(ctx, cur)
		if err != nil {
			continue
		}
		children, err := p.ChildrenWithContext(ctx)
		if err != nil {
			continue
		}
		for _, c := range children {
			if seen[c.Pid] {
				continue
			}
			seen[c.Pid] = true
			out = append(out, int(c.Pid))
			queue = append(queue, c.Pid)
		}
	}
	return out
}

// KillTree terminates pid together with all of its descendants. Every member
// receives a polite termination request first; whatever is still alive after
// grace is killed.
func KillTree(ctx context.Context, pid int, grace time.Duration) error {
	if !processExists(pid) {
		return nil
	}
	members := append([]int{pid}, Descendants(ctx, pid)...)
	for _, m := range members {
		if p, err := gopsproc.NewProcessWithContext(ctx, int32(m)); err == nil {
			_ = p.TerminateWithContext(ctx)
		}
	}
	if waitGone(ctx, members, grace) {
		return nil
	}
	var errs []error
	// children first so a parent cannot respawn them
	for i := len(members) - 1; i >= 0; i-- {
		m := members[i]
		if !processExists(m) {
			continue
		}
		p, err := gopsproc.NewProcessWithContext(ctx, int32(m))
		if err != nil {
			continue
		}
		if err := p.KillWithContext(ctx); err != nil && processExists(m) {
			errs = append(errs, err)
		}
	}
	waitGone(ctx, members, time.Second)
	return errors.Join(errs...)
}

// Alive reports whether pid refers to a live process.
func Alive(pid int) bool { return processExists(pid) }

func waitGone(ctx context.Context, pids []int, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		alive := false
		for _, p := range pids {
			if processExists(p) && !isZombie(ctx, p) {
				alive = true
				break
			}
		}
		if !alive {
			return true
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return false
		}
		time.Sleep(25 * time.Millisecond)
	}
}

// isZombie treats exited-but-unreaped processes as gone.
func isZombie(ctx context.Context, pid int) bool {
	p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false
	}
	st, err := p.StatusWithContext(ctx)
	if err != nil {
		return false
	}
	for _, s := range st {
		if s == gopsproc.Zombie {
			return true
		}
	}
	return false
}
