package sources

import (
	"context"
	"net/url"
	"strconv"
	"time"
)

const (
	registrySourceName     = "registry"
	defaultRegistryBaseURL = "https://clinicaltrials.gov/api/v2"

	defaultRegistryMinInterval = time.Second
	registryTimeout            = 15 * time.Second
)

// Trial is one interventional study record from the trials registry.
type Trial struct {
	RegistryID    string   `json:"registryId"`
	Title         string   `json:"title"`
	Status        string   `json:"status,omitempty"`
	Phase         string   `json:"phase,omitempty"`
	Conditions    []string `json:"conditions,omitempty"`
	Interventions []string `json:"interventions,omitempty"`
	URL           string   `json:"url,omitempty"`
}

// TrialRegistry is the registry lookup surface used by depth-first research
// workers to follow up trial mentions.
type TrialRegistry interface {
	FindTrials(ctx context.Context, condition string, intervention string, max int) ([]Trial, error)
}

// RegistryClient implements TrialRegistry against the ClinicalTrials.gov v2
// API.
type RegistryClient struct {
	client      *Client
	baseURL     string
	minInterval time.Duration
}

// NewRegistryClientParams configures a RegistryClient. Client is required.
type NewRegistryClientParams struct {
	Client      *Client
	BaseURL     string
	MinInterval time.Duration
}

// NewRegistryClient creates a ClinicalTrials.gov-backed registry source.
func NewRegistryClient(params NewRegistryClientParams) *RegistryClient {
	baseURL := params.BaseURL
	if baseURL == "" {
		baseURL = defaultRegistryBaseURL
	}
	minInterval := params.MinInterval
	if minInterval <= 0 {
		minInterval = defaultRegistryMinInterval
	}
	return &RegistryClient{
		client:      params.Client,
		baseURL:     baseURL,
		minInterval: minInterval,
	}
}

type registryResponse struct {
	Studies []struct {
		ProtocolSection struct {
			IdentificationModule struct {
				NCTID      string `json:"nctId"`
				BriefTitle string `json:"briefTitle"`
			} `json:"identificationModule"`
			StatusModule struct {
				OverallStatus string `json:"overallStatus"`
			} `json:"statusModule"`
			DesignModule struct {
				Phases []string `json:"phases"`
			} `json:"designModule"`
			ConditionsModule struct {
				Conditions []string `json:"conditions"`
			} `json:"conditionsModule"`
			ArmsInterventionsModule struct {
				Interventions []struct {
					Name string `json:"name"`
				} `json:"interventions"`
			} `json:"armsInterventionsModule"`
		} `json:"protocolSection"`
	} `json:"studies"`
}

// FindTrials searches the registry by condition and optional intervention.
// An empty result is a normal outcome, not an error.
func (c *RegistryClient) FindTrials(ctx context.Context, condition string, intervention string, max int) ([]Trial, error) {
	values := url.Values{}
	values.Set("query.cond", condition)
	if intervention != "" {
		values.Set("query.intr", intervention)
	}
	if max <= 0 {
		max = 10
	}
	values.Set("pageSize", strconv.Itoa(max))

	var decoded registryResponse
	err := c.client.getJSON(ctx, registrySourceName, c.minInterval, registryTimeout,
		buildURL(c.baseURL, "/studies", values), &decoded)
	if err != nil {
		return nil, err
	}

	trials := make([]Trial, 0, len(decoded.Studies))
	for _, study := range decoded.Studies {
		proto := study.ProtocolSection
		trial := Trial{
			RegistryID: proto.IdentificationModule.NCTID,
			Title:      proto.IdentificationModule.BriefTitle,
			Status:     proto.StatusModule.OverallStatus,
			Conditions: proto.ConditionsModule.Conditions,
			URL:        "https://clinicaltrials.gov/study/" + proto.IdentificationModule.NCTID,
		}
		if len(proto.DesignModule.Phases) > 0 {
			trial.Phase = proto.DesignModule.Phases[len(proto.DesignModule.Phases)-1]
		}
		for _, intr := range proto.ArmsInterventionsModule.Interventions {
			trial.Interventions = append(trial.Interventions, intr.Name)
		}
		trials = append(trials, trial)
	}
	return trials, nil
}
