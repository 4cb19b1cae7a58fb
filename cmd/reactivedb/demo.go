package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/block/reactivedb/pkg/change"
	"github.com/block/reactivedb/pkg/collection"
	"github.com/block/reactivedb/pkg/engine"
	"github.com/block/reactivedb/pkg/livequery"
	"github.com/block/reactivedb/pkg/rowvalue"
	"github.com/block/reactivedb/pkg/schema"
	"github.com/block/reactivedb/pkg/txn"
)

// DemoCmd exercises the engine end to end against an in-memory source:
// it builds a catalog collection, an "in stock" live query over it, and
// runs one optimistic transaction to show the view updating incrementally.
type DemoCmd struct{}

// Item is the demo's record type: a small product catalog row.
type Item struct {
	ID       int
	Name     string
	Price    float64
	InStock  bool
}

func itemRow(v Item) rowvalue.Row {
	return rowvalue.Row{
		"id":      rowvalue.Int(int64(v.ID)),
		"name":    rowvalue.String(v.Name),
		"price":   rowvalue.Float(v.Price),
		"inStock": rowvalue.Bool(v.InStock),
	}
}

// memSource is a trivial collection.Source backed by an in-memory map,
// standing in for a real adapters/mysqlsource or adapters/sqlpersistence
// wiring in this demo.
type memSource struct {
	mu   sync.Mutex
	data map[int]Item
}

func newMemSource(seed []Item) *memSource {
	s := &memSource{data: make(map[int]Item)}
	for _, it := range seed {
		s.data[it.ID] = it
	}
	return s
}

func (m *memSource) Run(ctx context.Context, feed collection.Feed[int, Item]) error {
	feed.Begin()
	m.mu.Lock()
	for _, v := range m.data {
		feed.Write(change.Insert, v, nil)
	}
	m.mu.Unlock()
	feed.Commit()
	feed.MarkReady()
	<-ctx.Done()
	return ctx.Err()
}

func (m *memSource) FetchSnapshot(ctx context.Context, keys []int) (map[int]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int]Item, len(keys))
	for _, k := range keys {
		if v, ok := m.data[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (cmd *DemoCmd) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	src := newMemSource([]Item{
		{ID: 1, Name: "Widget", Price: 9.99, InStock: true},
		{ID: 2, Name: "Gadget", Price: 19.99, InStock: false},
		{ID: 3, Name: "Gizmo", Price: 14.50, InStock: true},
	})

	catalogSchema := schema.Schema{Fields: []schema.FieldRule{
		{Path: "id", Required: true, AnyKind: true},
		{Path: "name", Required: true, AnyKind: true},
	}}

	catalog := collection.New[int, Item]("catalog", func(v Item) int { return v.ID }, itemRow, src, catalogSchema, nil)
	if err := catalog.StartSync(ctx); err != nil {
		return err
	}
	if err := catalog.StateWhenReady(ctx); err != nil {
		return err
	}

	mgr := txn.NewManager[int, Item](nil)
	table := engine.NewTable("catalog", catalog, mgr)

	inStock := livequery.New[int, Item, Item](catalog, func(v Item) bool { return v.InStock }, nil, false)
	if err := inStock.StartSync(ctx); err != nil {
		return err
	}

	unsub := inStock.SubscribeChanges(func(batch []change.Change[int, Item]) {
		for _, c := range batch {
			fmt.Printf("in-stock view: %s %+v\n", c.Type, c.Value)
		}
	}, collection.SubscribeOptions{IncludeInitialState: true})
	defer unsub()

	time.Sleep(50 * time.Millisecond) // let the initial fan-out land

	h := table.Transact(txn.CreateTransactionOptions[int, Item]{Strategy: txn.Parallel, AutoCommit: true})
	if err := h.Update(catalog, 2, Item{ID: 2, Name: "Gadget", Price: 17.99, InStock: true}); err != nil {
		return err
	}
	if err := h.Commit(ctx); err != nil {
		return err
	}
	if err := h.IsSynced(ctx); err != nil {
		return err
	}

	time.Sleep(50 * time.Millisecond)
	fmt.Println("final in-stock count:", inStock.Size())
	return nil
}
