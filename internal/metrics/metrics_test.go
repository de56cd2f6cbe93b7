package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

type fakeCalls struct{ n int }

func (f fakeCalls) Active() int { return f.n }

type fakeBindings struct{ n int }

func (f fakeBindings) Count() int { return f.n }

type fakeRelay struct {
	sessions int
	packets  uint64
	bytes    uint64
}

func (f fakeRelay) Count() int               { return f.sessions }
func (f fakeRelay) Totals() (uint64, uint64) { return f.packets, f.bytes }

type fakeCDR struct{ m map[string]uint64 }

func (f fakeCDR) Dispositions() map[string]uint64 { return f.m }

type fakeVoicemail struct {
	newN, oldN int
	err        error
}

func (f fakeVoicemail) TotalMessages() (int, int, error) { return f.newN, f.oldN, f.err }

func gather(t *testing.T, c *Collector) map[string]*dto.MetricFamily {
	t.Helper()
	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("registering collector: %v", err)
	}
	fams, err := reg.Gather()
	if err != nil {
		t.Fatalf("gathering: %v", err)
	}
	byName := make(map[string]*dto.MetricFamily, len(fams))
	for _, f := range fams {
		byName[f.GetName()] = f
	}
	return byName
}

func singleValue(t *testing.T, fams map[string]*dto.MetricFamily, name string) float64 {
	t.Helper()
	fam, ok := fams[name]
	if !ok {
		t.Fatalf("metric %q not gathered", name)
	}
	ms := fam.GetMetric()
	if len(ms) != 1 {
		t.Fatalf("metric %q has %d series, want 1", name, len(ms))
	}
	if c := ms[0].GetCounter(); c != nil {
		return c.GetValue()
	}
	return ms[0].GetGauge().GetValue()
}

func labeledValue(t *testing.T, fams map[string]*dto.MetricFamily, name, label, value string) float64 {
	t.Helper()
	fam, ok := fams[name]
	if !ok {
		t.Fatalf("metric %q not gathered", name)
	}
	for _, m := range fam.GetMetric() {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == label && lp.GetValue() == value {
				if c := m.GetCounter(); c != nil {
					return c.GetValue()
				}
				return m.GetGauge().GetValue()
			}
		}
	}
	t.Fatalf("metric %q has no %s=%q series", name, label, value)
	return 0
}

func TestCollectorGathersAllProviders(t *testing.T) {
	c := NewCollector(
		fakeCalls{3},
		fakeBindings{2},
		fakeRelay{sessions: 1, packets: 1000, bytes: 160000},
		fakeCDR{m: map[string]uint64{"answered": 5, "no_answer": 2}},
		fakeVoicemail{newN: 4, oldN: 7},
		func() (uint64, uint64, uint64) { return 21, 2, 1 },
		time.Now().Add(-time.Minute),
	)

	fams := gather(t, c)

	if got := singleValue(t, fams, "ironpbx_active_calls"); got != 3 {
		t.Errorf("active calls = %v, want 3", got)
	}
	if got := singleValue(t, fams, "ironpbx_registered_devices"); got != 2 {
		t.Errorf("registered devices = %v, want 2", got)
	}
	if got := labeledValue(t, fams, "ironpbx_calls_total", "disposition", "answered"); got != 5 {
		t.Errorf("answered calls = %v, want 5", got)
	}
	if got := labeledValue(t, fams, "ironpbx_calls_total", "disposition", "no_answer"); got != 2 {
		t.Errorf("unanswered calls = %v, want 2", got)
	}
	if got := singleValue(t, fams, "ironpbx_rtp_sessions_active"); got != 1 {
		t.Errorf("rtp sessions = %v, want 1", got)
	}
	if got := singleValue(t, fams, "ironpbx_rtp_packets_forwarded_total"); got != 1000 {
		t.Errorf("rtp packets = %v, want 1000", got)
	}
	if got := singleValue(t, fams, "ironpbx_rtp_bytes_forwarded_total"); got != 160000 {
		t.Errorf("rtp bytes = %v, want 160000", got)
	}
	if got := labeledValue(t, fams, "ironpbx_voicemail_messages", "state", "new"); got != 4 {
		t.Errorf("new voicemail = %v, want 4", got)
	}
	if got := labeledValue(t, fams, "ironpbx_voicemail_messages", "state", "old"); got != 7 {
		t.Errorf("old voicemail = %v, want 7", got)
	}
	if got := labeledValue(t, fams, "ironpbx_dtmf_digits_total", "result", "accepted"); got != 21 {
		t.Errorf("accepted digits = %v, want 21", got)
	}
	if got := labeledValue(t, fams, "ironpbx_dtmf_digits_total", "result", "deduped"); got != 2 {
		t.Errorf("deduped digits = %v, want 2", got)
	}
	if got := labeledValue(t, fams, "ironpbx_dtmf_digits_total", "result", "dropped"); got != 1 {
		t.Errorf("dropped digits = %v, want 1", got)
	}
	if got := singleValue(t, fams, "ironpbx_uptime_seconds"); got <= 0 {
		t.Errorf("uptime = %v, want > 0", got)
	}
}

func TestCollectorOmitsNilProviders(t *testing.T) {
	c := NewCollector(nil, nil, nil, nil, nil, nil, time.Now())

	fams := gather(t, c)
	if len(fams) != 1 {
		t.Fatalf("gathered %d families, want only uptime", len(fams))
	}
	if _, ok := fams["ironpbx_uptime_seconds"]; !ok {
		t.Error("uptime missing from gather")
	}
}

func TestCollectorSkipsFailingVoicemailCount(t *testing.T) {
	c := NewCollector(
		fakeCalls{1}, nil, nil, nil,
		fakeVoicemail{err: errors.New("mailbox root unreadable")},
		nil, time.Now(),
	)

	fams := gather(t, c)
	if _, ok := fams["ironpbx_voicemail_messages"]; ok {
		t.Error("voicemail metric emitted although the count failed")
	}
	if got := singleValue(t, fams, "ironpbx_active_calls"); got != 1 {
		t.Errorf("active calls = %v, want 1", got)
	}
}

func TestCollectorDescribesEveryMetric(t *testing.T) {
	c := NewCollector(nil, nil, nil, nil, nil, nil, time.Now())

	ch := make(chan *prometheus.Desc, 16)
	c.Describe(ch)
	close(ch)

	n := 0
	for range ch {
		n++
	}
	if n != 9 {
		t.Errorf("Describe sent %d descriptors, want 9", n)
	}
}
