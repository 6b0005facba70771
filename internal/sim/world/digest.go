package world

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"sort"
)

type hashWriter interface {
	Write(p []byte) (n int, err error)
}

// Digest is a stable sha256 over the full state. Map iteration is sorted so
// equal states always hash equal.
func (s *State) Digest() string {
	h := sha256.New()
	var tmp [8]byte

	digestWriteString(h, &tmp, s.PlayerCountry)
	digestWriteI64(h, &tmp, int64(s.CurrentYear))
	digestWriteI64(h, &tmp, int64(s.TurnNumber))
	digestWriteString(h, &tmp, s.WorldNarrative)

	names := make([]string, 0, len(s.Countries))
	for n := range s.Countries {
		names = append(names, n)
	}
	sort.Strings(names)
	digestWriteU64(h, &tmp, uint64(len(names)))
	for _, n := range names {
		c := s.Countries[n]
		digestWriteString(h, &tmp, n)
		digestWriteString(h, &tmp, c.DisplayName)
		digestWriteF64(h, &tmp, c.GDP)
		digestWriteF64(h, &tmp, c.Population)
		digestWriteF64(h, &tmp, c.Stability)
		digestWriteF64(h, &tmp, c.Military.Strength)
		h.Write([]byte{boolByte(c.Military.NuclearCapable)})
		digestWriteF64(h, &tmp, c.Military.DefenseBudget)
		digestWriteStrings(h, &tmp, c.Territories)
		digestWriteU64(h, &tmp, uint64(len(c.Relations)))
		for _, r := range c.Relations {
			digestWriteString(h, &tmp, r.Country)
			digestWriteString(h, &tmp, string(r.Status))
		}
		digestWriteString(h, &tmp, c.Government)
		digestWriteString(h, &tmp, c.Leader)
		digestWriteString(h, &tmp, c.Color)
	}

	ids := make([]string, 0, len(s.Territories))
	for id := range s.Territories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	digestWriteU64(h, &tmp, uint64(len(ids)))
	for _, id := range ids {
		t := s.Territories[id]
		digestWriteString(h, &tmp, id)
		digestWriteString(h, &tmp, t.Name)
		digestWriteString(h, &tmp, t.Owner)
		digestWriteF64(h, &tmp, t.Population)
		digestWriteF64(h, &tmp, t.GDPContribution)
	}

	digestWriteU64(h, &tmp, uint64(len(s.ActiveWars)))
	for _, w := range s.ActiveWars {
		digestWriteString(h, &tmp, w.ID)
		digestWriteStrings(h, &tmp, w.Aggressors)
		digestWriteStrings(h, &tmp, w.Defenders)
		digestWriteI64(h, &tmp, int64(w.StartYear))
	}
	digestWriteU64(h, &tmp, uint64(len(s.ActiveAlliances)))
	for _, a := range s.ActiveAlliances {
		digestWriteString(h, &tmp, a.ID)
		digestWriteStrings(h, &tmp, a.Members)
		digestWriteString(h, &tmp, a.Name)
		digestWriteI64(h, &tmp, int64(a.FormedYear))
	}
	digestWriteU64(h, &tmp, uint64(len(s.TradeDeals)))
	for _, d := range s.TradeDeals {
		digestWriteString(h, &tmp, d.ID)
		digestWriteStrings(h, &tmp, d.Parties)
		digestWriteString(h, &tmp, d.Description)
		digestWriteI64(h, &tmp, int64(d.StartYear))
	}
	digestWriteU64(h, &tmp, uint64(len(s.RecentEvents)))
	for _, e := range s.RecentEvents {
		digestWriteI64(h, &tmp, int64(e.TurnNumber))
		digestWriteI64(h, &tmp, int64(e.Year))
		digestWriteString(h, &tmp, e.Description)
		digestWriteString(h, &tmp, e.EventType)
		if e.ImageSeed != nil {
			h.Write([]byte{1})
			digestWriteI64(h, &tmp, *e.ImageSeed)
		} else {
			h.Write([]byte{0})
		}
		digestWriteString(h, &tmp, e.ImageURL)
	}

	return hex.EncodeToString(h.Sum(nil))
}

func digestWriteU64(h hashWriter, tmp *[8]byte, v uint64) {
	binary.LittleEndian.PutUint64(tmp[:], v)
	h.Write(tmp[:])
}

func digestWriteI64(h hashWriter, tmp *[8]byte, v int64) {
	digestWriteU64(h, tmp, uint64(v))
}

func digestWriteF64(h hashWriter, tmp *[8]byte, v float64) {
	digestWriteU64(h, tmp, math.Float64bits(v))
}

// Length-prefixed so adjacent strings cannot collide.
func digestWriteString(h hashWriter, tmp *[8]byte, s string) {
	digestWriteU64(h, tmp, uint64(len(s)))
	h.Write([]byte(s))
}

func digestWriteStrings(h hashWriter, tmp *[8]byte, list []string) {
	digestWriteU64(h, tmp, uint64(len(list)))
	for _, s := range list {
		digestWriteString(h, tmp, s)
	}
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
