package heart

import (
	"testing"
	"time"
)

func TestPacemaker(t *testing.T) {
	var p Pacemaker

	if p.Ticks() != nil {
		t.Fatal("Stopped pacemaker has a tick channel")
	}

	p.Start(10 * time.Millisecond)
	defer p.Stop()

	select {
	case <-p.Ticks():
	case <-time.After(time.Second):
		t.Fatal("Pacemaker never ticked")
	}

	if err := p.Pace(); err != nil {
		t.Fatal("Fresh pacemaker is dead:", err)
	}
}

func TestPacemakerDead(t *testing.T) {
	var p Pacemaker
	p.Start(50 * time.Millisecond)
	defer p.Stop()

	p.EchoBeat.Set(time.Now().Add(-time.Second))

	if err := p.Pace(); err != ErrDead {
		t.Fatal("Expected ErrDead, got", err)
	}

	p.Echo()

	if err := p.Pace(); err != nil {
		t.Fatal("Echoed pacemaker is dead:", err)
	}
}

func TestPacemakerStop(t *testing.T) {
	var p Pacemaker
	p.Start(time.Millisecond)
	p.Stop()

	if p.Ticks() != nil {
		t.Fatal("Stopped pacemaker still ticks")
	}
	if p.Dead() {
		t.Fatal("Stopped pacemaker is dead")
	}
}
