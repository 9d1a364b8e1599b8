// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package publisher hands the computed URLs back to requesters. Only the
// leader publishes; followers compute routes for their own proxy but never
// announce anything.
package publisher

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/juju/ingress-reconciler/core/ingress"
	"github.com/juju/ingress-reconciler/internal/certificates"
	"github.com/juju/ingress-reconciler/internal/routes"
)

var logger = loggo.GetLogger("ingress.publisher")

// Status is the outcome of a publication.
type Status string

const (
	// NotLeader means nothing was published because this unit is not the
	// leader. It is a normal outcome, not a failure.
	NotLeader Status = "not-leader"

	// Published means the URLs were written.
	Published Status = "published"

	// Unchanged means the URLs equal the last successful publication and
	// nothing was written.
	Unchanged Status = "unchanged"
)

// URLs maps requester keys (see ingress.Requester.Key) to the URL they are
// reachable at.
type URLs map[string]string

// URLWriter writes the URLs to the requesters.
type URLWriter interface {
	WriteURLs(ctx context.Context, urls map[string]string) error
}

// Publisher publishes URLs through a URLWriter when leader.
type Publisher struct {
	writer URLWriter

	mu   sync.Mutex
	last URLs
}

// New returns a Publisher writing through writer.
func New(writer URLWriter) *Publisher {
	return &Publisher{writer: writer}
}

// Publish writes urls if leader is true.
func (p *Publisher) Publish(ctx context.Context, leader bool, urls URLs) (Status, error) {
	if !leader {
		return NotLeader, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if urls == nil {
		urls = URLs{}
	}
	if p.last != nil && reflect.DeepEqual(p.last, urls) {
		return Unchanged, nil
	}
	if err := p.writer.WriteURLs(ctx, urls); err != nil {
		return "", errors.Annotate(err, "publishing urls")
	}
	logger.Debugf("published %d urls", len(urls))
	p.last = copyURLs(urls)
	return Published, nil
}

// Forget clears the publication cache, so that the next publication is
// written even when unchanged. Used when leadership is regained.
func (p *Publisher) Forget() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = nil
}

func copyURLs(urls URLs) URLs {
	if urls == nil {
		return nil
	}
	result := make(URLs, len(urls))
	for k, v := range urls {
		result[k] = v
	}
	return result
}

// URLsFor computes the URL of every routed requester. Routes are announced
// over https only when their certificate is active. Nothing is announced
// for routes without an external host. Custom routes announce the external
// host itself.
func URLsFor(result routes.Result, active map[string]certificates.Material, externalHost string) URLs {
	urls := make(URLs)
	for _, route := range result.Routes {
		_, secure := active[route.ID]
		if url := route.URL(secure); url != "" {
			urls[route.Requester.Key()] = url
		}
	}
	if externalHost == "" {
		return urls
	}
	for _, r := range result.Custom {
		urls[r.Key()] = fmt.Sprintf("%s://%s", ingress.SchemeHTTP, externalHost)
	}
	return urls
}
