// internal/announce/announce.go
package announce

import (
	"context"
	"log/slog"
	"time"

	"github.com/cascdr-labs/whispr/internal/bus"
	"github.com/cascdr-labs/whispr/internal/pricing"
	"github.com/cascdr-labs/whispr/pkg/schema"
)

// Announcer periodically publishes the service offering so aggregators can
// discover the endpoint and current msat prices without calling the API.
type Announcer struct {
	pub      bus.Publisher
	quoter   *pricing.Quoter
	subject  string
	endpoint string
	units    string
	interval time.Duration
	log      *slog.Logger
}

func New(pub bus.Publisher, quoter *pricing.Quoter, subject, endpoint, units string, interval time.Duration, log *slog.Logger) *Announcer {
	return &Announcer{
		pub:      pub,
		quoter:   quoter,
		subject:  subject,
		endpoint: endpoint,
		units:    units,
		interval: interval,
		log:      log,
	}
}

// Run announces immediately and then on every tick until ctx is canceled.
func (a *Announcer) Run(ctx context.Context) {
	a.announce(ctx)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.announce(ctx)
		}
	}
}

func (a *Announcer) announce(ctx context.Context) {
	fixed, variable, err := a.quoter.RateCard(ctx)
	if err != nil {
		a.log.Warn("cannot price offering, skipping announcement", "err", err)
		return
	}

	offering := schema.Offering{
		Service:       "WHSPR",
		Endpoint:      a.endpoint,
		FixedMsats:    fixed,
		VariableMsats: variable,
		CostUnits:     a.units,
		Status:        "UP",
		RequestSchema: schema.WhsprRemoteRequestSchema,
		ResultSchema:  schema.WhsprResultSchema,
		HappenedAt:    time.Now().Unix(),
	}
	if err := a.pub.PublishJSON(a.subject, offering); err != nil {
		a.log.Warn("cannot publish offering", "err", err)
		return
	}
	a.log.Info("offering published", "fixed_msats", fixed, "variable_msats", variable)
}
