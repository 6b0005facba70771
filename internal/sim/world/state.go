// Package world holds the geopolitical world state a game advances turn by
// turn. A State is never mutated once published: the reducer works on a
// Clone and the result replaces the previous state.
package world

// RecentEventsCap bounds State.RecentEvents.
const RecentEventsCap = 18

type Status string

const (
	StatusAllied   Status = "ALLIED"
	StatusFriendly Status = "FRIENDLY"
	StatusNeutral  Status = "NEUTRAL"
	StatusHostile  Status = "HOSTILE"
	StatusAtWar    Status = "AT_WAR"
)

func (s Status) Valid() bool {
	switch s {
	case StatusAllied, StatusFriendly, StatusNeutral, StatusHostile, StatusAtWar:
		return true
	}
	return false
}

type State struct {
	Countries       map[string]*Country   `json:"countries"`
	Territories     map[string]*Territory `json:"territories"`
	PlayerCountry   string                `json:"playerCountry"`
	CurrentYear     int                   `json:"currentYear"`
	TurnNumber      int                   `json:"turnNumber"`
	ActiveWars      []War                 `json:"activeWars"`
	ActiveAlliances []Alliance            `json:"activeAlliances"`
	TradeDeals      []TradeDeal           `json:"tradeDeals"`
	RecentEvents    []RecentEvent         `json:"recentEvents"`
	WorldNarrative  string                `json:"worldNarrative"`
}

type Country struct {
	Name        string     `json:"name"`
	DisplayName string     `json:"displayName"`
	GDP         float64    `json:"gdp"`        // billions USD
	Population  float64    `json:"population"` // millions
	Stability   float64    `json:"stability"`
	Military    Military   `json:"military"`
	Territories []string   `json:"territories"`
	Relations   []Relation `json:"relations"`
	Government  string     `json:"government"`
	Leader      string     `json:"leader"`
	Color       string     `json:"color"`
}

type Military struct {
	Strength       float64 `json:"strength"`
	NuclearCapable bool    `json:"nuclearCapable"`
	DefenseBudget  float64 `json:"defenseBudget"`
}

type Relation struct {
	Country string `json:"country"`
	Status  Status `json:"status"`
}

type Territory struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	Owner           string  `json:"owner"`
	Population      float64 `json:"population"`
	GDPContribution float64 `json:"gdpContribution"`
}

type War struct {
	ID         string   `json:"id"`
	Aggressors []string `json:"aggressors"`
	Defenders  []string `json:"defenders"`
	StartYear  int      `json:"startYear"`
}

type Alliance struct {
	ID         string   `json:"id"`
	Members    []string `json:"members"`
	Name       string   `json:"name"`
	FormedYear int      `json:"formedYear"`
}

type TradeDeal struct {
	ID          string   `json:"id"`
	Parties     []string `json:"parties"`
	Description string   `json:"description"`
	StartYear   int      `json:"startYear"`
}

type RecentEvent struct {
	TurnNumber  int    `json:"turnNumber"`
	Year        int    `json:"year"`
	Description string `json:"description"`
	EventType   string `json:"eventType"`
	ImageSeed   *int64 `json:"imageSeed,omitempty"`
	ImageURL    string `json:"imageUrl,omitempty"`
}

// Relation returns the status c holds toward peer.
func (c *Country) Relation(peer string) (Status, bool) {
	for _, r := range c.Relations {
		if r.Country == peer {
			return r.Status, true
		}
	}
	return "", false
}

// SetRelation overwrites (or appends) c's status toward peer.
func (c *Country) SetRelation(peer string, s Status) {
	for i := range c.Relations {
		if c.Relations[i].Country == peer {
			c.Relations[i].Status = s
			return
		}
	}
	c.Relations = append(c.Relations, Relation{Country: peer, Status: s})
}

func (w War) Involves(country string) bool {
	return contains(w.Aggressors, country) || contains(w.Defenders, country)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
