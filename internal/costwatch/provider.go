// Package costwatch polls cloud spend and trips an emergency stop when the
// spend delta over a rolling window exceeds a configured threshold.
package costwatch

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer"
	cetypes "github.com/aws/aws-sdk-go-v2/service/costexplorer/types"
)

// Provider returns the current month-to-date spend in USD.
type Provider interface {
	CurrentSpend(ctx context.Context) (float64, error)
	// Name identifies the provider in samples and alerts.
	Name() string
}

// costExplorerAPI is the slice of the Cost Explorer client we use.
type costExplorerAPI interface {
	GetCostAndUsage(ctx context.Context, params *costexplorer.GetCostAndUsageInput,
		optFns ...func(*costexplorer.Options)) (*costexplorer.GetCostAndUsageOutput, error)
}

// AWSProvider reads month-to-date unblended cost from AWS Cost Explorer.
type AWSProvider struct {
	client costExplorerAPI
}

// NewAWSProvider creates a provider using the default AWS credential chain.
func NewAWSProvider(ctx context.Context) (*AWSProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &AWSProvider{client: costexplorer.NewFromConfig(cfg)}, nil
}

// NewAWSProviderWithClient creates a provider with an explicit client (for tests).
func NewAWSProviderWithClient(client costExplorerAPI) *AWSProvider {
	return &AWSProvider{client: client}
}

// Name identifies the provider.
func (p *AWSProvider) Name() string { return "aws-cost-explorer" }

// CurrentSpend returns the month-to-date unblended cost in USD.
func (p *AWSProvider) CurrentSpend(ctx context.Context) (float64, error) {
	now := time.Now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	// Cost Explorer treats End as exclusive.
	end := now.AddDate(0, 0, 1)

	out, err := p.client.GetCostAndUsage(ctx, &costexplorer.GetCostAndUsageInput{
		TimePeriod: &cetypes.DateInterval{
			Start: aws.String(monthStart.Format("2006-01-02")),
			End:   aws.String(end.Format("2006-01-02")),
		},
		Granularity: cetypes.GranularityDaily,
		Metrics:     []string{"UnblendedCost"},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to query cost explorer: %w", err)
	}

	var total float64
	for _, result := range out.ResultsByTime {
		metric, ok := result.Total["UnblendedCost"]
		if !ok || metric.Amount == nil {
			continue
		}
		amount, err := strconv.ParseFloat(*metric.Amount, 64)
		if err != nil {
			return 0, fmt.Errorf("failed to parse cost amount %q: %w", *metric.Amount, err)
		}
		total += amount
	}
	return total, nil
}

// StaticProvider serves a fixed spend value. Used in tests and air-gapped
// runs where no cloud account is reachable.
type StaticProvider struct {
	mu    sync.Mutex
	spend float64
}

// NewStaticProvider creates a static provider with an initial spend.
func NewStaticProvider(spend float64) *StaticProvider {
	return &StaticProvider{spend: spend}
}

// Name identifies the provider.
func (p *StaticProvider) Name() string { return "static" }

// CurrentSpend returns the configured spend.
func (p *StaticProvider) CurrentSpend(_ context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spend, nil
}

// SetSpend updates the spend value.
func (p *StaticProvider) SetSpend(spend float64) {
	p.mu.Lock()
	p.spend = spend
	p.mu.Unlock()
}
