package otpfetch

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/javi11/otpfetch/pkg/mailstore"
)

type partitionResult struct {
	result *Result
	err    error
}

// searchPartitions searches every configured partition concurrently on one
// session. Once the first candidate arrives the others get SettleWindow to
// report; the newest message among the candidates wins. Outstanding searches
// are cancelled and awaited before returning, so the session is idle when the
// caller releases it.
//
// Per-partition failures are absorbed. The attempt only fails when the
// session broke, credentials were rejected, or every partition failed.
func (f *fetcher) searchPartitions(ctx context.Context, s *Session, req request) (*Result, error) {
	pctx, cancel := context.WithCancel(ctx)
	defer cancel()

	partitions := f.config.Partitions
	results := make(chan partitionResult, len(partitions))

	g := multierror.Group{}

	for _, name := range partitions {
		g.Go(func() error {
			r, err := f.searchPartition(pctx, s, name, req)
			results <- partitionResult{result: r, err: err}

			if err != nil {
				f.log.DebugContext(ctx, "partition search failed",
					"target", req.target,
					"partition", name,
					"session_id", s.ID(),
					"error", err,
				)
			}

			return err
		})
	}

	var (
		best     *Result
		received int
		settle   <-chan time.Time
	)

	consider := func(r *Result) {
		if r != nil && (best == nil || r.ReceivedAt.After(best.ReceivedAt)) {
			best = r
		}
	}

wait:
	for received < len(partitions) {
		select {
		case pr := <-results:
			received++
			consider(pr.result)

			if best != nil && settle == nil {
				t := time.NewTimer(f.config.SettleWindow)
				defer t.Stop()

				settle = t.C
			}
		case <-settle:
			break wait
		case <-ctx.Done():
			break wait
		}
	}

	cancel()
	merr := g.Wait()

	// Every search has reported by now; the late ones may still carry a
	// result.
	for ; received < len(partitions); received++ {
		consider((<-results).result)
	}

	perr := classifyPartitionErrors(merr, len(partitions))

	if best != nil {
		// The caller still has to discard a broken session.
		if errors.Is(perr, ErrSessionFault) {
			return best, perr
		}

		return best, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return nil, perr
}

func classifyPartitionErrors(merr *multierror.Error, partitions int) error {
	if merr == nil || len(merr.Errors) == 0 {
		return nil
	}

	failed := 0

	for _, err := range merr.Errors {
		switch {
		case errors.Is(err, context.Canceled):
			continue
		case IsAuthFault(err):
			return err
		case errors.Is(err, ErrSessionFault):
			return err
		}

		failed++
	}

	if failed == partitions {
		return merr.Errors[0]
	}

	return nil
}

// searchPartition returns the newest message in one partition that matches
// the request and yields an artifact, or nil. Envelopes are fetched first so
// only the bodies of the newest candidates are downloaded.
func (f *fetcher) searchPartition(ctx context.Context, s *Session, name string, req request) (*Result, error) {
	conn := s.Conn()

	p, err := conn.OpenPartition(ctx, name)
	if err != nil {
		if errors.Is(err, mailstore.ErrPartitionNotFound) {
			f.log.DebugContext(ctx, "partition not found", "partition", name, "session_id", s.ID())

			return nil, nil
		}

		return nil, storeError(err)
	}

	criteria := mailstore.Criteria{
		To:         req.target,
		From:       req.config.Sender,
		Subject:    req.config.Subject,
		UnseenOnly: req.config.UnseenOnly,
	}
	if req.config.Recency > 0 {
		criteria.Since = time.Now().Add(-req.config.Recency)
	}

	uids, err := conn.Search(ctx, p, criteria)
	if err != nil {
		return nil, storeError(err)
	}

	if limit := f.config.MaxMessagesPerSearch; limit > 0 && len(uids) > limit {
		uids = uids[len(uids)-limit:]
	}

	if len(uids) == 0 {
		return nil, nil
	}

	envs, err := conn.FetchEnvelopes(ctx, p, uids)
	if err != nil {
		return nil, storeError(err)
	}

	// Bodies are downloaded newest first and only until one yields an
	// artifact.
	envs = slices.DeleteFunc(envs, func(e mailstore.Envelope) bool {
		return !criteria.Since.IsZero() && !e.Date.IsZero() && e.Date.Before(criteria.Since)
	})
	slices.SortFunc(envs, func(a, b mailstore.Envelope) int {
		return cmp.Or(b.Date.Compare(a.Date), cmp.Compare(b.UID, a.UID))
	})

	var best *Result

	for _, env := range envs {
		if ctx.Err() != nil {
			break
		}

		msg, err := conn.FetchMessage(ctx, p, env.UID)
		if err != nil {
			if errors.Is(err, mailstore.ErrSessionBroken) || errors.Is(err, mailstore.ErrAuthRejected) {
				return nil, storeError(err)
			}

			f.log.DebugContext(ctx, "skipping unreadable message", "partition", name, "uid", env.UID, "error", err)

			continue
		}

		artifact, err := f.config.Extractor.Extract(msg.Raw, req.config.Artifact)
		if err != nil || artifact == "" {
			continue
		}

		receivedAt := env.Date
		if receivedAt.IsZero() {
			receivedAt = msg.Date
		}

		best = &Result{
			Artifact:   artifact,
			Type:       req.config.Artifact,
			Partition:  name,
			MessageUID: msg.UID,
			Subject:    msg.Subject,
			From:       msg.From,
			ReceivedAt: receivedAt,
		}

		break
	}

	if best == nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	return best, nil
}
