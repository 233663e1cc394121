package scenario

import (
	"github.com/google/uuid"
	"github.com/iti/trafgen/collect"
	"github.com/iti/trafgen/config"
	"github.com/iti/trafgen/netsim"
)

// NameType maps a node id to its name and device type
type NameType struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
}

// AppEntry records one installed application instance
type AppEntry struct {
	Workload  int     `json:"workload" yaml:"workload"`
	App       int     `json:"app" yaml:"app"`
	Transport string  `json:"transport" yaml:"transport"`
	Rate      float64 `json:"rate" yaml:"rate"`
	Sender    string  `json:"sender" yaml:"sender"`
	Receiver  string  `json:"receiver" yaml:"receiver"`
	Port      uint16  `json:"port" yaml:"port"`
	Start     float64 `json:"start" yaml:"start"`
}

// DisturbEntry records one configured disturbance host
type DisturbEntry struct {
	Name     string  `json:"name" yaml:"name"`
	Receiver string  `json:"receiver" yaml:"receiver"`
	Rate     float64 `json:"rate" yaml:"rate"`
	Start    float64 `json:"start" yaml:"start"`
	OnTime   string  `json:"ontime" yaml:"ontime"`
	OffTime  string  `json:"offtime" yaml:"offtime"`
}

// TraceEntry records a trace point and the streams it writes
type TraceEntry struct {
	Point   collect.Point `json:"point" yaml:"point"`
	Streams []string      `json:"streams" yaml:"streams"`
}

// StreamEntry records where an output stream went
type StreamEntry struct {
	Name  string `json:"name" yaml:"name"`
	Where string `json:"where" yaml:"where"`
	Lines int    `json:"lines" yaml:"lines"`
}

// Manifest gathers what a run was built from and what it produced
type Manifest struct {
	ExpName      string           `json:"expname" yaml:"expname"`
	RunID        string           `json:"runid" yaml:"runid"`
	Layout       string           `json:"layout" yaml:"layout"`
	Config       *config.Config   `json:"config" yaml:"config"`
	NameByID     map[int]NameType `json:"namebyid" yaml:"namebyid"`
	Apps         []AppEntry       `json:"apps" yaml:"apps"`
	Disturbances []DisturbEntry   `json:"disturbances" yaml:"disturbances"`
	TracePoints  []TraceEntry     `json:"tracepoints" yaml:"tracepoints"`
	Streams      []StreamEntry    `json:"streams" yaml:"streams"`
	Summary      *Summary         `json:"summary,omitempty" yaml:"summary,omitempty"`
}

// CreateManifest is a constructor
func CreateManifest(expName string, cfg *config.Config) *Manifest {
	mf := new(Manifest)
	mf.ExpName = expName
	mf.RunID = uuid.NewString()
	mf.Config = cfg
	mf.NameByID = make(map[int]NameType)
	mf.Apps = make([]AppEntry, 0)
	mf.Disturbances = make([]DisturbEntry, 0)
	mf.TracePoints = make([]TraceEntry, 0)
	mf.Streams = make([]StreamEntry, 0)
	return mf
}

// AddName adds an element to the id -> (name,type) dictionary
func (mf *Manifest) AddName(id int, name string, objDesc string) {
	if _, present := mf.NameByID[id]; present {
		panic("duplicated id in AddName")
	}
	mf.NameByID[id] = NameType{Name: name, Type: objDesc}
}

// AddNetwork names every device of the network
func (mf *Manifest) AddNetwork(net *netsim.Network) {
	for _, host := range net.Hosts {
		mf.AddName(host.ID, host.Name, netsim.DevCodeToStr(host.DevType()))
	}
	for _, swtch := range net.Switches {
		mf.AddName(swtch.ID, swtch.Name, netsim.DevCodeToStr(swtch.DevType()))
	}
}

// WriteToFile stores the manifest; serialization to json or to yaml is
// selected based on the extension of filename
func (mf *Manifest) WriteToFile(filename string) error {
	return netsim.WriteSerialized(filename, mf)
}

// ReadManifest reads a manifest written by WriteToFile
func ReadManifest(filename string) (*Manifest, error) {
	mf := new(Manifest)
	if err := netsim.ReadSerialized(filename, netsim.UseYAML(filename), nil, mf); err != nil {
		return nil, err
	}
	return mf, nil
}
