package kafkaconsumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"

	"github.com/mohammed-shakir/ogc-tile-proxy/internal/core/config"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/core/model"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/invalidation"
	"github.com/mohammed-shakir/ogc-tile-proxy/internal/layer"
)

type fakeCache struct {
	failFirst atomic.Bool
	mu        sync.Mutex
	seenDel   []string
	patterns  []string
}

func (f *fakeCache) Del(_ context.Context, tiles ...string) (int64, error) {
	f.mu.Lock()
	f.seenDel = append(f.seenDel, tiles...)
	f.mu.Unlock()
	if f.failFirst.Load() {
		f.failFirst.Store(false)
		return 0, errors.New("boom")
	}
	return int64(len(tiles)), nil
}

func (f *fakeCache) DelPattern(_ context.Context, pattern string) (int64, error) {
	f.mu.Lock()
	f.patterns = append(f.patterns, pattern)
	f.mu.Unlock()
	return 7, nil
}

type fakeMapper struct {
	tooMany bool
	mu      sync.Mutex
	regions []model.BBox
}

func (m *fakeMapper) HasLayer(name string) bool { return name == "osm" }

func (m *fakeMapper) TileKeys(name string, region model.BBox) ([]string, error) {
	if !m.HasLayer(name) {
		return nil, fmt.Errorf("%w: %s", layer.ErrUnknownLayer, name)
	}
	m.mu.Lock()
	m.regions = append(m.regions, region)
	m.mu.Unlock()
	if m.tooMany {
		return nil, invalidation.ErrTooManyTiles
	}
	return []string{"tile:osm:g:0:0:0", "tile:osm:g:1:1:0"}, nil
}

type sess struct {
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *sess) Claims() map[string][]int32 { return nil }
func (s *sess) MemberID() string           { return "" }
func (s *sess) GenerationID() int32        { return 0 }
func (s *sess) MarkMessage(m *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	s.marked = append(s.marked, m.Offset)
	s.mu.Unlock()
}
func (s *sess) ResetOffset(_ string, _ int32, _ int64, _ string) {}
func (s *sess) MarkOffset(_ string, _ int32, _ int64, _ string)  {}
func (s *sess) Context() context.Context                         { return s.ctx }
func (s *sess) Errors() <-chan error                             { return nil }
func (s *sess) Commit()                                          {}

type claim struct {
	part int32
	msgs chan *sarama.ConsumerMessage
}

func (c *claim) Topic() string                            { return "tile-invalidation" }
func (c *claim) Partition() int32                         { return c.part }
func (c *claim) InitialOffset() int64                     { return 0 }
func (c *claim) HighWaterMarkOffset() int64               { return 0 }
func (c *claim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }

func eventBytes(layerName, op string, bbox *invalidation.BBox) []byte {
	ev := invalidation.Event{Version: 1, Op: op, Layer: layerName, TS: time.Now().UTC(), BBox: bbox}
	b, _ := json.Marshal(ev)
	return b
}

func eventBytesBBox() []byte {
	return eventBytes("osm", invalidation.OpUpdate, &invalidation.BBox{X1: 11, Y1: 55, X2: 12, Y2: 56, SRID: "EPSG:4326"})
}

func newConsumerForTest(fc TileCache, m TileMapper) *Consumer {
	cfg := Config{Brokers: []string{"x"}, Topic: "tile-invalidation", GroupID: "g"}
	return New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), nil, fc, m)
}

func TestSinglePartition_OrderAndCommitAfterWork(t *testing.T) {
	fc := &fakeCache{}
	fm := &fakeMapper{}
	c := newConsumerForTest(fc, fm)

	ctx := t.Context()
	s := &sess{ctx: ctx}
	ch := make(chan *sarama.ConsumerMessage, 2)
	ch <- &sarama.ConsumerMessage{Topic: "tile-invalidation", Partition: 0, Offset: 10, Value: eventBytesBBox()}
	ch <- &sarama.ConsumerMessage{Topic: "tile-invalidation", Partition: 0, Offset: 11, Value: eventBytesBBox()}
	close(ch)

	if err := c.handler.ConsumeClaim(s, &claim{part: 0, msgs: ch}); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}
	if len(s.marked) != 2 || s.marked[0] != 10 || s.marked[1] != 11 {
		t.Fatalf("marked offsets=%v want [10 11]", s.marked)
	}
	if len(fc.seenDel) != 4 {
		t.Fatalf("deleted keys=%v", fc.seenDel)
	}
	if r := fm.regions[0]; r.SRID != "EPSG:4326" || r.X1 != 11 || r.Y2 != 56 {
		t.Fatalf("region=%s", r)
	}
}

func TestRetry_CommitOnceAfterSuccess(t *testing.T) {
	fc := &fakeCache{}
	fc.failFirst.Store(true)
	c := newConsumerForTest(fc, &fakeMapper{})
	ctx := context.Background()

	msg := &sarama.ConsumerMessage{Topic: "tile-invalidation", Partition: 0, Offset: 5, Value: eventBytesBBox()}
	if err := c.ProcessOne(ctx, msg); err == nil {
		t.Fatalf("expected error on first attempt")
	}

	s := &sess{ctx: ctx}
	ch := make(chan *sarama.ConsumerMessage, 1)
	ch <- msg
	close(ch)
	if err := c.handler.ConsumeClaim(s, &claim{part: 0, msgs: ch}); err != nil {
		t.Fatalf("ConsumeClaim second attempt: %v", err)
	}
	if len(s.marked) != 1 || s.marked[0] != 5 {
		t.Fatalf("offset was not marked after success; marked=%v", s.marked)
	}
}

func TestFailedMessageStopsClaimUnmarked(t *testing.T) {
	fc := &fakeCache{}
	fc.failFirst.Store(true)
	c := newConsumerForTest(fc, &fakeMapper{})

	s := &sess{ctx: t.Context()}
	ch := make(chan *sarama.ConsumerMessage, 2)
	ch <- &sarama.ConsumerMessage{Offset: 1, Value: eventBytesBBox()}
	ch <- &sarama.ConsumerMessage{Offset: 2, Value: eventBytesBBox()}
	close(ch)
	if err := c.handler.ConsumeClaim(s, &claim{msgs: ch}); err == nil {
		t.Fatal("expected claim error")
	}
	if len(s.marked) != 0 {
		t.Fatalf("marked=%v", s.marked)
	}
}

func TestPoisonMessagesAreSkipped(t *testing.T) {
	fc := &fakeCache{}
	c := newConsumerForTest(fc, &fakeMapper{})

	s := &sess{ctx: t.Context()}
	ch := make(chan *sarama.ConsumerMessage, 3)
	ch <- &sarama.ConsumerMessage{Offset: 1, Value: []byte("{not json")}
	ch <- &sarama.ConsumerMessage{Offset: 2, Value: eventBytes("osm", "upsert", nil)}
	ch <- &sarama.ConsumerMessage{Offset: 3, Value: eventBytes("roads", invalidation.OpUpdate,
		&invalidation.BBox{X1: 0, Y1: 0, X2: 1, Y2: 1, SRID: "EPSG:4326"})}
	close(ch)

	if err := c.handler.ConsumeClaim(s, &claim{msgs: ch}); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}
	if len(s.marked) != 3 {
		t.Fatalf("marked=%v", s.marked)
	}
	if len(fc.seenDel) != 0 || len(fc.patterns) != 0 {
		t.Fatalf("cache touched: del=%v patterns=%v", fc.seenDel, fc.patterns)
	}
}

func TestPurgeAndOversizedRegionDropLayer(t *testing.T) {
	fc := &fakeCache{}
	c := newConsumerForTest(fc, &fakeMapper{tooMany: true})
	ctx := context.Background()

	if err := c.ProcessOne(ctx, &sarama.ConsumerMessage{Value: eventBytesBBox()}); err != nil {
		t.Fatalf("oversized region: %v", err)
	}
	if err := c.ProcessOne(ctx, &sarama.ConsumerMessage{Value: eventBytes("osm", invalidation.OpPurge, nil)}); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if err := c.ProcessOne(ctx, &sarama.ConsumerMessage{Value: eventBytes("roads", invalidation.OpPurge, nil)}); err != nil {
		t.Fatalf("purge of unknown layer: %v", err)
	}
	if len(fc.patterns) != 2 || fc.patterns[0] != "tile:osm:*" || fc.patterns[1] != "tile:osm:*" {
		t.Fatalf("patterns=%v", fc.patterns)
	}
	if len(fc.seenDel) != 0 {
		t.Fatalf("per-tile deletes=%v", fc.seenDel)
	}
}

func TestMultiPartition_Parallel_NoCrossOrdering(t *testing.T) {
	fc := &fakeCache{}
	c := newConsumerForTest(fc, &fakeMapper{})

	ctx := t.Context()
	s := &sess{ctx: ctx}

	p0 := make(chan *sarama.ConsumerMessage, 2)
	p1 := make(chan *sarama.ConsumerMessage, 2)
	p0 <- &sarama.ConsumerMessage{Topic: "t", Partition: 0, Offset: 1, Value: eventBytesBBox()}
	p0 <- &sarama.ConsumerMessage{Topic: "t", Partition: 0, Offset: 2, Value: eventBytesBBox()}
	p1 <- &sarama.ConsumerMessage{Topic: "t", Partition: 1, Offset: 1, Value: eventBytesBBox()}
	p1 <- &sarama.ConsumerMessage{Topic: "t", Partition: 1, Offset: 2, Value: eventBytesBBox()}
	close(p0)
	close(p1)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = c.handler.ConsumeClaim(s, &claim{part: 0, msgs: p0}) }()
	go func() { defer wg.Done(); _ = c.handler.ConsumeClaim(s, &claim{part: 1, msgs: p1}) }()
	wg.Wait()

	if len(s.marked) != 4 {
		t.Fatalf("expected 4 marks total; got %v", s.marked)
	}
}

func TestReadyTracksSessions(t *testing.T) {
	c := newConsumerForTest(&fakeCache{}, &fakeMapper{})
	if err := c.Ready(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Fatalf("before setup: %v", err)
	}
	_ = c.handler.Setup(nil)
	if err := c.Ready(context.Background()); err != nil {
		t.Fatalf("after setup: %v", err)
	}
	_ = c.handler.Cleanup(nil)
	if err := c.Ready(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Fatalf("after cleanup: %v", err)
	}
}

func TestFromConfig(t *testing.T) {
	cfg := FromConfig(config.InvalidationCfg{Brokers: " a:9092, ,b:9092 ", Topic: "inv", GroupID: "grp"})
	if len(cfg.Brokers) != 2 || cfg.Brokers[0] != "a:9092" || cfg.Brokers[1] != "b:9092" {
		t.Fatalf("brokers=%v", cfg.Brokers)
	}
	if cfg.Topic != "inv" || cfg.GroupID != "grp" || cfg.SessionTimeout == 0 {
		t.Fatalf("cfg=%+v", cfg)
	}
}
