package dispatch

import (
	"context"

	"mailrelay/internal/domain"
	"mailrelay/internal/observability"
	"mailrelay/internal/routing"
	"mailrelay/internal/store"
)

type group struct {
	backend    domain.BackendConfig
	recipients []string
}

type preprocessResult struct {
	groups          []group
	suppressionRows int
}

// preprocess normalizes the message, applies the three suppression tiers in
// order (each narrowing the list left by the previous one), and splits the
// survivors into backend groups. All writes go through tx; nothing here is
// visible unless the surrounding transaction commits.
func (c *Coordinator) preprocess(ctx context.Context, tx store.DispatchTx, msg *domain.Message) (preprocessResult, error) {
	var res preprocessResult

	// An unsubscribe link resolves to exactly one recipient; anything else is
	// a caller bug. Checked before any store access so nothing persists.
	if msg.ListUnsubscribe && len(msg.To) > 1 {
		return res, domain.ErrUnsubscribeConflict
	}

	promoteHTMLAlternative(msg)

	suppress := func(removed []string, reason string) error {
		if len(removed) == 0 {
			return nil
		}
		msg.To = subtract(msg.To, removed)
		observability.Suppressed.WithLabelValues(reason).Add(float64(len(removed)))
		res.suppressionRows++
		return c.Recorder.CreateSuppressed(ctx, tx, *msg, removed, reason)
	}

	// Tier 1: bounce history, regardless of campaign.
	if len(msg.To) > 0 {
		bounced, err := tx.BouncedRecipients(ctx, msg.To)
		if err != nil {
			return res, err
		}
		if err := suppress(bounced, domain.ReasonBounced); err != nil {
			return res, err
		}
	}

	// Tier 2: unsubscribes, only for campaign mail carrying the header.
	if msg.Campaign != "" && msg.ListUnsubscribe && len(msg.To) > 0 {
		unsubscribed, err := tx.UnsubscribedRecipients(ctx, msg.To, msg.Campaign)
		if err != nil {
			return res, err
		}
		if err := suppress(unsubscribed, domain.ReasonUnsubscribed); err != nil {
			return res, err
		}
	}

	// Tier 3: resend interval, only for campaign mail when configured.
	if msg.Campaign != "" && c.Settings.ResendInterval > 0 && len(msg.To) > 0 {
		since := c.Recorder.Now().Add(-c.Settings.ResendInterval)
		recent, err := tx.RecentlyDeliveredRecipients(ctx, msg.To, msg.Campaign,
			domain.Fingerprint(domain.StatusDelivered), since)
		if err != nil {
			return res, err
		}
		if err := suppress(recent, domain.ReasonRateLimited); err != nil {
			return res, err
		}
	}

	if len(msg.To) == 0 {
		return res, nil
	}

	groups, err := c.route(ctx, tx, msg)
	if err != nil {
		return res, err
	}
	res.groups = groups
	return res, nil
}

// route assigns each surviving recipient to a backend. An explicit override
// skips resolution and domain grouping entirely.
func (c *Coordinator) route(ctx context.Context, tx store.DispatchTx, msg *domain.Message) ([]group, error) {
	if msg.BackendID != "" {
		b, found, err := tx.GetBackend(ctx, msg.BackendID)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, &domain.ConfigurationError{Reason: "unknown backend: " + msg.BackendID}
		}
		return []group{{backend: b, recipients: msg.To}}, nil
	}

	siteID := msg.SiteID
	if siteID == 0 {
		siteID = c.Settings.DefaultSiteID
	}

	selector := routing.NewSelector(tx)
	byBackend := make(map[string]int)
	var groups []group
	for _, addr := range msg.To {
		b, err := selector.Resolve(ctx, addr, siteID)
		if err != nil {
			return nil, err
		}
		if i, ok := byBackend[b.ID]; ok {
			groups[i].recipients = append(groups[i].recipients, addr)
			continue
		}
		byBackend[b.ID] = len(groups)
		groups = append(groups, group{backend: b, recipients: []string{addr}})
	}
	return groups, nil
}

// Bulk mail defaults to HTML: when the primary body is not HTML but an HTML
// alternative exists, the alternative becomes the body.
func promoteHTMLAlternative(msg *domain.Message) {
	if msg.ContentSubtype == "html" {
		return
	}
	for _, alt := range msg.Alternatives {
		if alt.ContentType == "text/html" {
			msg.ContentSubtype = "html"
			msg.Body = alt.Body
			return
		}
	}
}

func subtract(from, removed []string) []string {
	drop := make(map[string]bool, len(removed))
	for _, r := range removed {
		drop[r] = true
	}
	kept := from[:0:0]
	for _, addr := range from {
		if !drop[addr] {
			kept = append(kept, addr)
		}
	}
	return kept
}
