package task

import "testing"

func newForkTestParent() *Task {
	p := NewTask(0, true)
	p.Files = NewFilesTable()
	p.Fs = NewFsContext("/", "/")
	p.Signals = NewSignalState()
	return p
}

func TestForkLinksChildAndDeepCopiesSubobjects(t *testing.T) {
	Reset()
	parent := newForkTestParent()
	parent.Files.Add(NewOpenFile("/etc/passwd", 0, false))

	child := Fork(parent)
	if child.Parent != parent.Tid {
		t.Fatalf("expected child.Parent == parent.Tid")
	}
	if parent.FirstChild != child.Tid {
		t.Fatalf("expected parent.FirstChild to point at the new child")
	}
	if child.Files == parent.Files {
		t.Fatalf("plain fork must deep-copy the files table, not share it")
	}
	if len(child.Files.Files) != 1 {
		t.Fatalf("expected the deep copy to carry over the parent's open files")
	}
}

func TestCloneFilesSharesTable(t *testing.T) {
	Reset()
	parent := newForkTestParent()
	child := Clone(parent, CLONE_FILES)
	if child.Files != parent.Files {
		t.Fatalf("CLONE_FILES must share the same *FilesTable")
	}
}

func TestCloneThreadJoinsThreadGroup(t *testing.T) {
	Reset()
	parent := newForkTestParent()
	child := Clone(parent, CLONE_THREAD|CLONE_SIGHAND|CLONE_FILES|CLONE_FS)
	if child.Tgid != parent.Tgid {
		t.Fatalf("CLONE_THREAD child should share the parent's tgid")
	}
	if child.Group != parent.Group {
		t.Fatalf("CLONE_THREAD child should share the parent's ThreadGroup")
	}
}

func TestExitReparentsChildrenAndWakesParent(t *testing.T) {
	Reset()
	grandparent := newForkTestParent()
	parent := Fork(grandparent)
	parent.Files = NewFilesTable()
	parent.Fs = NewFsContext("/", "/")
	parent.Signals = NewSignalState()
	child := Fork(parent)

	Exit(parent, 7)

	if parent.State != Zombie || parent.ExitStatus != 7 {
		t.Fatalf("expected parent to become a zombie with status 7, got state=%v status=%d", parent.State, parent.ExitStatus)
	}
	if child.Parent != grandparent.Tid {
		t.Fatalf("expected orphaned child reparented to grandparent, got parent=%d", child.Parent)
	}
	if !grandparent.Signals.Pending.has(SIGCHLD) {
		t.Fatalf("expected grandparent to receive SIGCHLD from its exiting child")
	}
}

func TestWaitReapsZombieChild(t *testing.T) {
	Reset()
	parent := newForkTestParent()
	child := Fork(parent)
	Exit(child, 3)

	res, err := Wait(parent, 0)
	if err != nil {
		t.Fatalf("unexpected Wait error: %v", err)
	}
	if res.Tid != child.Tid || res.Status != 3 {
		t.Fatalf("expected to reap child %d status 3, got %+v", child.Tid, res)
	}
	if _, err := Lookup(child.Tid); err != ErrNoSuchTask {
		t.Fatalf("expected reaped child removed from the arena")
	}
}

func TestWaitWithNoChildrenReturnsChildNotFound(t *testing.T) {
	Reset()
	parent := newForkTestParent()
	if _, err := Wait(parent, WNOHANG); err != ErrChildNotFound {
		t.Fatalf("expected ErrChildNotFound for a childless parent, got %v", err)
	}
}

func TestWaitNohangReturnsAgainWhenNoneEligible(t *testing.T) {
	Reset()
	parent := newForkTestParent()
	Fork(parent) // still running, not a zombie
	if _, err := Wait(parent, WNOHANG); err != ErrAgain {
		t.Fatalf("expected ErrAgain when a child exists but isn't eligible, got %v", err)
	}
}

func TestWaitBlocksUntilChildExits(t *testing.T) {
	Reset()
	parent := newForkTestParent()
	child := Fork(parent)

	done := make(chan WaitResult, 1)
	go func() {
		r, err := Wait(parent, 0)
		if err != nil {
			t.Errorf("unexpected Wait error: %v", err)
		}
		done <- r
	}()

	waitUntilState(t, parent, Sleeping)
	Exit(child, 9)

	r := <-done
	if r.Tid != child.Tid || r.Status != 9 {
		t.Fatalf("expected to reap the exited child, got %+v", r)
	}
}

func TestExitGroupKillsSiblingThreads(t *testing.T) {
	Reset()
	leader := newForkTestParent()
	sibling := Clone(leader, CLONE_THREAD|CLONE_SIGHAND|CLONE_FILES|CLONE_FS)

	ExitGroup(leader, 0)

	if !leader.Group.Exiting {
		t.Fatalf("expected thread group marked exiting")
	}
	if !sibling.Signals.Pending.has(SIGKILL) {
		t.Fatalf("expected sibling thread to receive a forced SIGKILL")
	}
	if leader.State != Zombie {
		t.Fatalf("expected the calling thread to become a zombie, got %v", leader.State)
	}
}

func TestVforkBlocksParentUntilChildDone(t *testing.T) {
	Reset()
	parent := newForkTestParent()

	childCh := make(chan *Task, 1)
	done := make(chan struct{})
	go func() {
		c := Vfork(parent)
		childCh <- c
		close(done)
	}()

	waitUntilState(t, parent, Sleeping)
	select {
	case <-done:
		t.Fatalf("Vfork returned before the child called exec/exit")
	default:
	}

	// The child is already linked into the arena even though the parent is
	// still blocked; VforkDone (called on the child's exec or exit path)
	// is what releases the parent.
	VforkDone(&Task{Tid: 0, Parent: parent.Tid})
	<-done
	c := <-childCh
	if c.Parent != parent.Tid {
		t.Fatalf("expected vfork child's parent to be set")
	}
}
