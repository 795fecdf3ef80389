package machineid

import "strings"

type manufacturer struct {
	Name string
	URI  string
}

type machineType struct {
	// Name is the canonical tag, e.g. "Pumping_Station".
	Name        string
	DisplayName string
	// Models maps a manufacturer key to the models it builds for this type.
	// manufacturerKeys keeps the selection order stable for seeded generators.
	Models           map[string][]string
	manufacturerKeys []string
}

var manufacturers = map[string]manufacturer{
	"heidelberg": {Name: "Heidelberger Druckmaschinen AG", URI: "https://www.heidelberg.com"},
	"komori":     {Name: "Komori Corporation", URI: "https://www.komori.com"},
	"bobst":      {Name: "BOBST Group SA", URI: "https://www.bobst.com"},
	"atlas":      {Name: "Atlas Converting Equipment Ltd.", URI: "https://www.atlasconverting.com"},
	"comexi":     {Name: "Comexi Group", URI: "https://www.comexi.com"},
	"starlinger": {Name: "Starlinger & Co GmbH", URI: "https://www.starlinger.com"},
	"grundfos":   {Name: "Grundfos Holding A/S", URI: "https://www.grundfos.com"},
	"ksb":        {Name: "KSB SE & Co. KGaA", URI: "https://www.ksb.com"},
	"pentair":    {Name: "Pentair plc", URI: "https://www.pentair.com"},
	"caldwell":   {Name: "Caldwell Tanks Inc.", URI: "https://www.caldwelltanks.com"},
	"cb_i":       {Name: "CB&I Storage Solutions", URI: "https://www.cbi.com"},
}

var machineTypes = []*machineType{
	newMachineType("Press", "Printing Press",
		"heidelberg", []string{"Speedmaster XL 106", "Printmaster QM 46", "Versafire EP"},
		"komori", []string{"Lithrone GX40", "Enthrone 29", "Impremia NS40"}),
	newMachineType("Lam", "Laminator",
		"bobst", []string{"NOVACUT 106 E", "MASTERCUT 106 PER", "VISIONFOLD 110 A"},
		"atlas", []string{"Titan SR3", "Titan SR5", "Convert-O-Matic"}),
	newMachineType("Slit", "Slitter",
		"atlas", []string{"Titan SR8", "Phoenix SR2", "Maximus SR6"},
		"comexi", []string{"S1 DT", "S1 Offset", "S1 Smart"}),
	newMachineType("Bag", "Bag Machine",
		"starlinger", []string{"type recoSTAR PET 330 HC iV+", "type recycling line PET", "type recoSTAR universal 165 iV+"},
		"comexi", []string{"CT flexo CI8", "ML combi", "F2 MB flexo"}),
	newMachineType("Pump", "Pump",
		"grundfos", []string{"CR 32-4-2", "TPE 32-120/4", "NK 65-125/124"},
		"ksb", []string{"Omega 65-125", "Etanorm 65-125", "Multitec 40/4"}),
	newMachineType("Pumping_Station", "Pumping Station",
		"grundfos", []string{"Hydro MPC-S 3 CR32", "Hydro Multi-E 3 CR64", "Hydro Multi-S P 3CR32"},
		"pentair", []string{"Aurora 408GT", "Pentair Myers 3085", "Berkeley B4FRBM"}),
	newMachineType("Tank", "Tank",
		"caldwell", []string{"Pedesphere 100000", "Freedom 75000", "Aquastore 50000"},
		"cb_i", []string{"Fixed Roof 200000", "Floating Roof 500000", "Pressure Vessel 25000"}),
}

var locations = []string{"Production Floor A", "Manufacturing Line 1", "Assembly Bay 3", "Processing Unit 2"}

// newMachineType takes alternating manufacturer keys and model lists.
func newMachineType(name, display string, pairs ...any) *machineType {
	mt := &machineType{Name: name, DisplayName: display, Models: make(map[string][]string)}
	for i := 0; i+1 < len(pairs); i += 2 {
		key := pairs[i].(string)
		mt.Models[key] = pairs[i+1].([]string)
		mt.manufacturerKeys = append(mt.manufacturerKeys, key)
	}
	return mt
}

// lookupMachineType resolves a tag case-insensitively.
func lookupMachineType(tag string) (*machineType, bool) {
	for _, mt := range machineTypes {
		if strings.EqualFold(mt.Name, tag) {
			return mt, true
		}
	}
	return nil, false
}

// Types returns the canonical tags the RandomGenerator understands, in catalogue order.
func Types() []string {
	names := make([]string, 0, len(machineTypes))
	for _, mt := range machineTypes {
		names = append(names, mt.Name)
	}
	return names
}
