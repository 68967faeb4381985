// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package orb

import (
	"strings"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"uorb.dev/envknob"
	"uorb.dev/types/logger"
)

var (
	accelMeta = &Metadata{Name: "sensor_accel", Size: 8}
	gyroMeta  = &Metadata{Name: "sensor_gyro", Size: 8}
	gps2Meta  = &Metadata{Name: "gps2", Size: 4}
)

func newTestRegistry(t *testing.T) *Registry {
	return NewRegistry(Options{Logf: logger.TestLogger(t)})
}

func nodeNames(nodes []*Node) []string {
	var names []string
	for _, n := range nodes {
		names = append(names, n.Name())
	}
	return names
}

func TestAdvertiseInstances(t *testing.T) {
	c := qt.New(t)
	r := newTestRegistry(t)
	var pubs []*Publisher
	for i := range MaxInstances {
		p, err := r.Advertise(accelMeta, nil, 1)
		c.Assert(err, qt.IsNil)
		c.Assert(p.Instance(), qt.Equals, i)
		pubs = append(pubs, p)
	}
	_, err := r.Advertise(accelMeta, nil, 1)
	c.Assert(err, qt.ErrorIs, ErrResourceExhausted)
	c.Assert(r.GroupCount(accelMeta), qt.Equals, MaxInstances)

	// Unadvertising frees the instance for the next publisher, but the
	// node stays advertised.
	c.Assert(pubs[3].Close(), qt.IsNil)
	c.Assert(pubs[3].Close(), qt.ErrorIs, ErrInvalidState)
	c.Assert(pubs[3].Publish(payload(1)), qt.ErrorIs, ErrInvalidState)
	c.Assert(r.Exists(accelMeta, 3), qt.IsTrue)
	p, err := r.Advertise(accelMeta, nil, 1)
	c.Assert(err, qt.IsNil)
	c.Assert(p.Instance(), qt.Equals, 3)
	c.Assert(p.Node(), qt.Equals, pubs[3].Node())
}

func TestAdvertiseInitialValue(t *testing.T) {
	c := qt.New(t)
	r := newTestRegistry(t)
	_, err := r.Advertise(accelMeta, make([]byte, 3), 1)
	c.Assert(err, qt.ErrorIs, ErrInvalidArgument)
	c.Assert(r.Exists(accelMeta, 0), qt.IsFalse)
	_, err = r.Advertise(accelMeta, nil, -1)
	c.Assert(err, qt.ErrorIs, ErrInvalidArgument)

	p, err := r.Advertise(accelMeta, payload(9), 4)
	c.Assert(err, qt.IsNil)
	n := p.Node()
	c.Assert(n.Generation(), qt.Equals, uint64(1))
	c.Assert(n.QueueSize(), qt.Equals, 4)
	c.Assert(r.Exists(accelMeta, 0), qt.IsTrue)
	c.Assert(r.Exists(accelMeta, 1), qt.IsFalse)

	// Reclaiming a published instance with a bigger queue is refused and
	// releases the claim.
	c.Assert(p.Close(), qt.IsNil)
	_, err = r.Advertise(accelMeta, nil, 8)
	c.Assert(err, qt.ErrorIs, ErrInvalidState)
	p, err = r.Advertise(accelMeta, nil, 4)
	c.Assert(err, qt.IsNil)
	c.Assert(p.Instance(), qt.Equals, 0)
}

func TestAdvertiseDefaultQueueSize(t *testing.T) {
	c := qt.New(t)
	envknob.Setenv("UORB_DEFAULT_QUEUE_SIZE", "3")
	t.Cleanup(func() { envknob.Setenv("UORB_DEFAULT_QUEUE_SIZE", "") })
	r := newTestRegistry(t)
	p, err := r.Advertise(accelMeta, nil, 0)
	c.Assert(err, qt.IsNil)
	c.Assert(p.Node().QueueSize(), qt.Equals, 3)
}

func TestSubscribeBeforeAdvertise(t *testing.T) {
	c := qt.New(t)
	r := newTestRegistry(t)
	s, err := r.Subscribe(accelMeta, 2)
	c.Assert(err, qt.IsNil)
	c.Assert(r.Exists(accelMeta, 2), qt.IsFalse)
	c.Assert(r.GroupCount(accelMeta), qt.Equals, 0)
	buf := make([]byte, 8)
	copied, gen, err := s.Copy(buf)
	c.Assert(err, qt.IsNil)
	c.Assert(copied, qt.IsFalse)
	c.Assert(gen, qt.Equals, uint64(0))

	var p *Publisher
	for range 3 {
		p, err = r.Advertise(accelMeta, nil, 1)
		c.Assert(err, qt.IsNil)
	}
	c.Assert(p.Node(), qt.Equals, s.Node())
	c.Assert(p.Publish(payload(5)), qt.IsNil)
	copied, _, err = s.Copy(buf)
	c.Assert(err, qt.IsNil)
	c.Assert(copied, qt.IsTrue)
	c.Assert(buf, qt.DeepEquals, payload(5))
}

func TestSubscribeBest(t *testing.T) {
	c := qt.New(t)
	r := newTestRegistry(t)
	_, err := r.SubscribeBest(gyroMeta)
	c.Assert(err, qt.ErrorIs, ErrNotExist)

	var pubs []*Publisher
	for range 3 {
		p, err := r.Advertise(gyroMeta, nil, 1)
		c.Assert(err, qt.IsNil)
		pubs = append(pubs, p)
	}
	s, err := r.SubscribeBest(gyroMeta)
	c.Assert(err, qt.IsNil)
	c.Assert(s.Node().Instance(), qt.Equals, 0)

	pubs[1].Node().SetPriority(10)
	pubs[2].Node().SetPriority(5)
	s, err = r.SubscribeBest(gyroMeta)
	c.Assert(err, qt.IsNil)
	c.Assert(s.Node().Instance(), qt.Equals, 1)
}

func TestAttachDetach(t *testing.T) {
	c := qt.New(t)
	r := newTestRegistry(t)
	_, err := r.Attach(accelMeta, MaxInstances)
	c.Assert(err, qt.ErrorIs, ErrInvalidArgument)

	n, err := r.Attach(accelMeta, 1)
	c.Assert(err, qt.IsNil)
	n2, err := r.Attach(accelMeta, 1)
	c.Assert(err, qt.IsNil)
	c.Assert(n2, qt.Equals, n)
	s, err := r.Subscribe(accelMeta, 1)
	c.Assert(err, qt.IsNil)
	c.Assert(s.Node(), qt.Equals, n)

	c.Assert(r.Detach(n), qt.IsNil)
	c.Assert(r.Detach(n), qt.IsNil)
	c.Assert(nodeNames(r.Nodes()), qt.DeepEquals, []string{"sensor_accel1"})
	c.Assert(s.Close(), qt.IsNil)

	// Never advertised and unreferenced: gone.
	c.Assert(r.Nodes(), qt.HasLen, 0)
	c.Assert(r.Detach(n), qt.ErrorIs, ErrInvalidState)

	// Advertised nodes outlive their references.
	p, err := r.Advertise(accelMeta, nil, 1)
	c.Assert(err, qt.IsNil)
	c.Assert(p.Close(), qt.IsNil)
	c.Assert(nodeNames(r.Nodes()), qt.DeepEquals, []string{"sensor_accel0"})
	c.Assert(r.Detach(p.Node()), qt.ErrorIs, ErrInvalidState)
	c.Assert(r.Detach(nil), qt.ErrorIs, ErrInvalidArgument)
}

func TestRegisterConflict(t *testing.T) {
	c := qt.New(t)
	r := newTestRegistry(t)
	r.MustRegister(accelMeta)
	c.Assert(r.Register(accelMeta), qt.IsNil)
	c.Assert(r.Register(&Metadata{Name: "sensor_accel", Size: 8}), qt.IsNil)
	c.Assert(r.Register(&Metadata{Name: "sensor_accel", Size: 16}), qt.ErrorIs, ErrInvalidArgument)
	c.Assert(r.Register(&Metadata{Name: "", Size: 16}), qt.ErrorIs, ErrInvalidArgument)
	c.Assert(func() { r.MustRegister(&Metadata{Name: "sensor_accel", Size: 1}) }, qt.PanicMatches, `orb: MustRegister: orb: invalid argument: .*`)
	_, err := r.Subscribe(&Metadata{Name: "sensor_accel", Size: 4}, 0)
	c.Assert(err, qt.ErrorIs, ErrInvalidArgument)
}

func TestLookup(t *testing.T) {
	r := newTestRegistry(t)
	r.MustRegister(accelMeta)
	r.MustRegister(gps2Meta)
	for _, tt := range []struct {
		name     string
		meta     *Metadata
		instance int
		err      error
	}{
		{"sensor_accel", accelMeta, 0, nil},
		{"sensor_accel0", accelMeta, 0, nil},
		{"sensor_accel3", accelMeta, 3, nil},
		{"sensor_accel10", nil, 0, ErrInvalidArgument},
		{"gps2", gps2Meta, 0, nil},
		{"gps21", gps2Meta, 1, nil},
		{"gps", nil, 0, ErrNotExist},
		{"sensor_baro", nil, 0, ErrNotExist},
		{"42", nil, 0, ErrNotExist},
	} {
		t.Run(tt.name, func(t *testing.T) {
			c := qt.New(t)
			meta, instance, err := r.Lookup(tt.name)
			if tt.err != nil {
				c.Assert(err, qt.ErrorIs, tt.err)
				return
			}
			c.Assert(err, qt.IsNil)
			c.Assert(meta, qt.Equals, tt.meta)
			c.Assert(instance, qt.Equals, tt.instance)
		})
	}
}

func TestObjects(t *testing.T) {
	r := newTestRegistry(t)
	for range 2 {
		if _, err := r.Advertise(accelMeta, nil, 1); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := r.Advertise(gyroMeta, nil, 1); err != nil {
		t.Fatal(err)
	}
	for _, tt := range []struct {
		filter string
		want   []string
	}{
		{"", []string{"sensor_accel0", "sensor_accel1", "sensor_gyro0"}},
		{"sensor_accel", []string{"sensor_accel0", "sensor_accel1"}},
		{"sensor_accel1, sensor_gyro", []string{"sensor_accel1", "sensor_gyro0"}},
		{"sensor_gyro3,nope", nil},
	} {
		got := nodeNames(r.Objects(tt.filter))
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("Objects(%q) (-want +got):\n%s", tt.filter, diff)
		}
	}
}

func TestPersist(t *testing.T) {
	c := qt.New(t)
	r := newTestRegistry(t)
	p, err := r.AdvertisePersist(accelMeta, payload(11), 1)
	c.Assert(err, qt.IsNil)
	s, err := r.Subscribe(accelMeta, p.Instance())
	c.Assert(err, qt.IsNil)
	c.Assert(s.Behind(), qt.Equals, uint64(1))
	buf := make([]byte, 8)
	copied, _, err := s.Copy(buf)
	c.Assert(err, qt.IsNil)
	c.Assert(copied, qt.IsTrue)
	c.Assert(buf, qt.DeepEquals, payload(11))

	// Plain topics keep the default behavior.
	p, err = r.Advertise(gyroMeta, payload(1), 1)
	c.Assert(err, qt.IsNil)
	s, err = r.Subscribe(gyroMeta, p.Instance())
	c.Assert(err, qt.IsNil)
	c.Assert(s.Behind(), qt.Equals, uint64(0))
}

func TestPublishAuto(t *testing.T) {
	c := qt.New(t)
	r := newTestRegistry(t)
	_, err := r.PublishAuto(accelMeta, nil, nil)
	c.Assert(err, qt.ErrorIs, ErrInvalidArgument)
	c.Assert(r.Exists(accelMeta, 0), qt.IsFalse)

	p, err := r.PublishAuto(accelMeta, nil, payload(1))
	c.Assert(err, qt.IsNil)
	c.Assert(p, qt.IsNotNil)
	c.Assert(r.Exists(accelMeta, p.Instance()), qt.IsTrue)
	c.Assert(p.Node().Generation(), qt.Equals, uint64(1))
	c.Assert(p.Node().QueueSize(), qt.Equals, 1)

	// The first value is persistent.
	s, err := r.Subscribe(accelMeta, p.Instance())
	c.Assert(err, qt.IsNil)
	defer s.Close()
	c.Assert(s.Behind(), qt.Equals, uint64(1))

	// Later calls reuse the publisher instead of claiming more instances.
	p2, err := r.PublishAuto(accelMeta, p, payload(2))
	c.Assert(err, qt.IsNil)
	c.Assert(p2, qt.Equals, p)
	c.Assert(p.Node().Generation(), qt.Equals, uint64(2))
	c.Assert(r.GroupCount(accelMeta), qt.Equals, 1)

	_, err = r.PublishAuto(gyroMeta, p, payload(3))
	c.Assert(err, qt.ErrorIs, ErrInvalidArgument)
	c.Assert(p.Node().Generation(), qt.Equals, uint64(2))

	c.Assert(p.Close(), qt.IsNil)
	_, err = r.PublishAuto(accelMeta, p, payload(4))
	c.Assert(err, qt.ErrorIs, ErrInvalidState)
}

func TestRegistryMetrics(t *testing.T) {
	c := qt.New(t)
	r := newTestRegistry(t)
	p, err := r.Advertise(accelMeta, nil, 2)
	c.Assert(err, qt.IsNil)
	s, err := r.Subscribe(accelMeta, 0)
	c.Assert(err, qt.IsNil)
	p.Node().SetPriority(3)
	for i := range 5 {
		c.Assert(p.Publish(payload(uint64(i))), qt.IsNil)
	}
	_, _, err = s.Copy(make([]byte, 8))
	c.Assert(err, qt.IsNil)

	want := `
# HELP uorb_topic_generation Values published to the topic instance.
# TYPE uorb_topic_generation counter
uorb_topic_generation{instance="0",topic="sensor_accel"} 5
# HELP uorb_topic_lost_messages_total Values lost by subscribers that fell more than the queue size behind.
# TYPE uorb_topic_lost_messages_total counter
uorb_topic_lost_messages_total{instance="0",topic="sensor_accel"} 3
# HELP uorb_topic_priority Priority among instances of the topic.
# TYPE uorb_topic_priority gauge
uorb_topic_priority{instance="0",topic="sensor_accel"} 3
# HELP uorb_topic_queue_size Generations a subscriber may fall behind before values count as lost.
# TYPE uorb_topic_queue_size gauge
uorb_topic_queue_size{instance="0",topic="sensor_accel"} 2
# HELP uorb_topic_subscribers Open subscribers.
# TYPE uorb_topic_subscribers gauge
uorb_topic_subscribers{instance="0",topic="sensor_accel"} 1
`
	err = testutil.CollectAndCompare(r, strings.NewReader(want),
		"uorb_topic_generation", "uorb_topic_lost_messages_total", "uorb_topic_priority",
		"uorb_topic_queue_size", "uorb_topic_subscribers")
	c.Assert(err, qt.IsNil)
	c.Assert(testutil.CollectAndCount(r), qt.Equals, 7)
}
