// Package lru keeps a least-recently-used list threaded through the item
// headers themselves: a linked item reuses the same prev/next links the
// freelist uses while the chunk is free.
package lru

import (
	"github.com/QuangTung97/robusta/item"
)

// List ...
type List struct {
	head *item.Header
	tail *item.Header
	size uint32
}

// PushFront inserts it at the most-recently-used end.
func (l *List) PushFront(it *item.Header) {
	l.size++
	it.SetPrev(nil)
	it.SetNext(l.head)
	if l.head != nil {
		l.head.SetPrev(it)
	} else {
		l.tail = it
	}
	l.head = it
}

// Remove unlinks it from the list.
func (l *List) Remove(it *item.Header) {
	l.size--
	if it.Next() != nil {
		it.Next().SetPrev(it.Prev())
	} else {
		l.tail = it.Prev()
	}
	if it.Prev() != nil {
		it.Prev().SetNext(it.Next())
	} else {
		l.head = it.Next()
	}
	it.SetPrev(nil)
	it.SetNext(nil)
}

// Touch moves it to the most-recently-used end.
func (l *List) Touch(it *item.Header) {
	l.Remove(it)
	l.PushFront(it)
}

// Back returns the least-recently-used item, nil when empty.
func (l *List) Back() *item.Header {
	return l.tail
}

// Front returns the most-recently-used item, nil when empty.
func (l *List) Front() *item.Header {
	return l.head
}

// Size ...
func (l *List) Size() uint32 {
	return l.size
}
