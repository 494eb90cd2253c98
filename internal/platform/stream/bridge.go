package stream

import (
	"context"

	"github.com/medvault/medvault/internal/platform/events"
)

// Bridge drains a bus subscription and fans each event out to the firehose
// topic and the per-document topic. It returns when the context is canceled
// or the subscription channel closes.
func Bridge(ctx context.Context, hub *Hub, sub <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			notice := noticeFrom(ev)
			hub.Broadcast(TopicAll, notice)
			hub.Broadcast(TopicDocument(ev.DocumentID), notice)
		}
	}
}
