package machineid

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"
)

const (
	constructionWindow = 20 * 365 * 24 * time.Hour
	operationWindow    = 10 * 365 * 24 * time.Hour
	day                = 24 * time.Hour
	isoTimestamp       = "2006-01-02T15:04:05.000000"
)

// MachineIdentification is the record produced by RandomGenerator.
type MachineIdentification struct {
	AssetId                   string   `json:"AssetId"`
	ComponentName             string   `json:"ComponentName"`
	DefaultInstanceBrowseName string   `json:"DefaultInstanceBrowseName"`
	DeviceClass               string   `json:"DeviceClass"`
	DeviceManual              string   `json:"DeviceManual"`
	DeviceRevision            string   `json:"DeviceRevision"`
	HardwareRevision          string   `json:"HardwareRevision"`
	InitialOperationDate      string   `json:"InitialOperationDate"`
	Location                  string   `json:"Location"`
	Manufacturer              string   `json:"Manufacturer"`
	ManufacturerUri           string   `json:"ManufacturerUri"`
	ProductInstanceUri        string   `json:"ProductInstanceUri"`
	Model                     string   `json:"Model"`
	MonthOfConstruction       int      `json:"MonthOfConstruction"`
	YearOfConstruction        int      `json:"YearOfConstruction"`
	PatchIdentifiers          []string `json:"PatchIdentifiers"`
	RevisionCounter           int      `json:"RevisionCounter"`
	ProductCode               string   `json:"ProductCode"`
	SerialNumber              string   `json:"SerialNumber"`
	SoftwareReleaseDate       string   `json:"SoftwareReleaseDate"`
	SoftwareRevision          string   `json:"SoftwareRevision"`
	UIElement                 string   `json:"UI Element"`
}

func (m *MachineIdentification) AssetID() string {
	return m.AssetId
}

// RandomGenerator fabricates plausible machine identification records from a
// fixed manufacturer and model catalogue.
type RandomGenerator struct {
	mu  sync.Mutex
	rng *rand.Rand
	now func() time.Time
}

// GeneratorOption configures a RandomGenerator.
type GeneratorOption func(*RandomGenerator)

// WithSeed makes the generator deterministic.
func WithSeed(seed1, seed2 uint64) GeneratorOption {
	return func(g *RandomGenerator) {
		g.rng = rand.New(rand.NewPCG(seed1, seed2))
	}
}

// WithClock overrides the reference time used for date fabrication.
func WithClock(now func() time.Time) GeneratorOption {
	return func(g *RandomGenerator) {
		g.now = now
	}
}

// NewRandomGenerator creates a generator seeded from the runtime source unless WithSeed is given.
func NewRandomGenerator(opts ...GeneratorOption) *RandomGenerator {
	g := &RandomGenerator{
		rng: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate implements PayloadGenerator. Tags are matched case-insensitively.
func (g *RandomGenerator) Generate(tag string) (Payload, error) {
	mt, ok := lookupMachineType(tag)
	if !ok {
		return Payload{}, fmt.Errorf("%w: %q (valid options: %s)", ErrUnknownMachineType, tag,
			strings.ToLower(strings.Join(Types(), ", ")))
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	return NewPayload(g.fabricate(mt)), nil
}

func (g *RandomGenerator) fabricate(mt *machineType) *MachineIdentification {
	mfrKey := mt.manufacturerKeys[g.rng.IntN(len(mt.manufacturerKeys))]
	mfr := manufacturers[mfrKey]
	models := mt.Models[mfrKey]
	model := models[g.rng.IntN(len(models))]
	modelSlug := strings.ReplaceAll(model, " ", "-")

	now := g.now().UTC()
	constructed := g.constructionDate(now)
	operated := g.operationDate(now, constructed)
	released := g.operationDate(now, constructed)

	// The machine type's canonical name doubles as the topic segment in
	// browse names and asset ids.
	topic := mt.Name
	assetID := fmt.Sprintf("%s-%d", strings.ToUpper(topic), g.between(1000, 9999))

	patches := make([]string, g.between(0, 3))
	for i := range patches {
		patches[i] = fmt.Sprintf("PATCH-%d", g.between(100, 999))
	}

	return &MachineIdentification{
		AssetId:                   assetID,
		ComponentName:             fmt.Sprintf("%s %s", mt.DisplayName, assetID),
		DefaultInstanceBrowseName: fmt.Sprintf("/%s/%s", topic, assetID),
		DeviceClass:               "Industrial " + mt.DisplayName,
		DeviceManual:              fmt.Sprintf("%s/manuals/%s", mfr.URI, strings.ToLower(modelSlug)),
		DeviceRevision:            fmt.Sprintf("Rev-%d.%d", g.between(1, 5), g.between(0, 9)),
		HardwareRevision:          fmt.Sprintf("HW-%d.%d", g.between(1, 3), g.between(0, 9)),
		InitialOperationDate:      operated.Format(isoTimestamp) + "Z",
		Location:                  locations[g.rng.IntN(len(locations))],
		Manufacturer:              mfr.Name,
		ManufacturerUri:           mfr.URI,
		ProductInstanceUri:        fmt.Sprintf("%s/products/%s", mfr.URI, strings.ToLower(modelSlug)),
		Model:                     model,
		MonthOfConstruction:       int(constructed.Month()),
		YearOfConstruction:        constructed.Year(),
		PatchIdentifiers:          patches,
		RevisionCounter:           g.between(0, 5),
		ProductCode:               fmt.Sprintf("PC-%s-%d", strings.ToUpper(modelSlug), g.between(100, 999)),
		SerialNumber:              fmt.Sprintf("%s%d", strings.ToUpper(mfrKey)[:3], g.between(100000, 999999)),
		SoftwareReleaseDate:       released.Format(isoTimestamp) + "Z",
		SoftwareRevision:          fmt.Sprintf("SW-%d.%d.%d", g.between(1, 10), g.between(0, 9), g.between(0, 9)),
		UIElement:                 fmt.Sprintf("%s_control_panel_%s", strings.ToLower(mt.Name), strings.ToLower(assetID)),
	}
}

// constructionDate is within the last 20 years.
func (g *RandomGenerator) constructionDate(now time.Time) time.Time {
	start := now.Add(-constructionWindow)
	return start.Add(time.Duration(g.between(0, int(now.Sub(start)/day))) * day)
}

// operationDate is within the last 10 years and never before construction.
func (g *RandomGenerator) operationDate(now, constructed time.Time) time.Time {
	earliest := now.Add(-operationWindow)
	if constructed.After(earliest) {
		earliest = constructed
	}
	if !earliest.Before(now) {
		earliest = constructed
	}
	return earliest.Add(time.Duration(g.between(0, int(now.Sub(earliest)/day))) * day)
}

// between returns a value in [lo, hi].
func (g *RandomGenerator) between(lo, hi int) int {
	return lo + g.rng.IntN(hi-lo+1)
}
