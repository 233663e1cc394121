package netsim

// topo.go holds the serializable description of a network (TopoCfg) and
// the TopoCfgFrame used to assemble one in code.

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
)

// DevCode identifies the kind of a network device
type DevCode int

const (
	HostCode DevCode = iota
	SwitchCode
	UnknownCode
)

// DevCodeFromStr maps the description string of a device type to its DevCode
func DevCodeFromStr(code string) DevCode {
	switch code {
	case "Host", "host":
		return HostCode
	case "Switch", "switch":
		return SwitchCode
	}
	return UnknownCode
}

// DevCodeToStr is the inverse of DevCodeFromStr
func DevCodeToStr(code DevCode) string {
	switch code {
	case HostCode:
		return "Host"
	case SwitchCode:
		return "Switch"
	}
	return "Unknown"
}

// NodeDesc describes a host or switch. Node ids follow the order of
// the TopoCfg's Nodes list.
type NodeDesc struct {
	Name    string   `json:"name" yaml:"name"`
	DevType string   `json:"devtype" yaml:"devtype"`
	Groups  []string `json:"groups,omitempty" yaml:"groups,omitempty"`
}

// LinkDesc describes a full-duplex point-to-point link. Empty attribute
// strings leave the interface defaults in place.
type LinkDesc struct {
	A      string   `json:"a" yaml:"a"`
	B      string   `json:"b" yaml:"b"`
	Rate   string   `json:"rate,omitempty" yaml:"rate,omitempty"`
	Delay  string   `json:"delay,omitempty" yaml:"delay,omitempty"`
	Queue  string   `json:"queue,omitempty" yaml:"queue,omitempty"`
	Groups []string `json:"groups,omitempty" yaml:"groups,omitempty"`
}

// TopoCfg is the complete serializable description of a network
type TopoCfg struct {
	Name  string     `json:"name" yaml:"name"`
	Nodes []NodeDesc `json:"nodes" yaml:"nodes"`
	Links []LinkDesc `json:"links" yaml:"links"`
}

// TopoCfgFrame accumulates a topology description in code
type TopoCfgFrame struct {
	Name  string
	nodes []NodeDesc
	links []LinkDesc
	names map[string]int
}

// CreateTopoCfgFrame is a constructor
func CreateTopoCfgFrame(name string) *TopoCfgFrame {
	tf := new(TopoCfgFrame)
	tf.Name = name
	tf.nodes = make([]NodeDesc, 0)
	tf.links = make([]LinkDesc, 0)
	tf.names = make(map[string]int)
	return tf
}

func (tf *TopoCfgFrame) addNode(name, devType string, groups []string) {
	_, present := tf.names[name]
	if present {
		panic(fmt.Errorf("duplicated node name %s in topology %s", name, tf.Name))
	}
	tf.names[name] = len(tf.nodes)
	tf.nodes = append(tf.nodes, NodeDesc{Name: name, DevType: devType, Groups: groups})
}

// CreateHost adds a host to the frame
func (tf *TopoCfgFrame) CreateHost(name string, groups ...string) {
	tf.addNode(name, "Host", groups)
}

// CreateSwitch adds a switch to the frame
func (tf *TopoCfgFrame) CreateSwitch(name string, groups ...string) {
	tf.addNode(name, "Switch", groups)
}

// ConnectDevs joins two named nodes with a link
func (tf *TopoCfgFrame) ConnectDevs(link LinkDesc) {
	for _, name := range []string{link.A, link.B} {
		if _, present := tf.names[name]; !present {
			panic(fmt.Errorf("link endpoint %s not declared in topology %s", name, tf.Name))
		}
	}
	tf.links = append(tf.links, link)
}

// Transform returns the serializable form of the frame
func (tf *TopoCfgFrame) Transform() TopoCfg {
	tc := TopoCfg{Name: tf.Name}
	tc.Nodes = slices.Clone(tf.nodes)
	tc.Links = slices.Clone(tf.links)
	return tc
}

// Validate checks names, device types and link attribute strings
func (tc *TopoCfg) Validate() error {
	errs := []error{}
	names := make(map[string]string)
	for _, node := range tc.Nodes {
		if len(node.Name) == 0 {
			errs = append(errs, fmt.Errorf("topology %s has an unnamed node", tc.Name))
			continue
		}
		if _, present := names[node.Name]; present {
			errs = append(errs, fmt.Errorf("topology %s names %s twice", tc.Name, node.Name))
		}
		names[node.Name] = node.DevType
		if DevCodeFromStr(node.DevType) == UnknownCode {
			errs = append(errs, fmt.Errorf("node %s has unknown device type %q", node.Name, node.DevType))
		}
	}
	for _, link := range tc.Links {
		for _, end := range []string{link.A, link.B} {
			if _, present := names[end]; !present {
				errs = append(errs, fmt.Errorf("link %s-%s names unknown node %s", link.A, link.B, end))
			}
		}
		if link.A == link.B {
			errs = append(errs, fmt.Errorf("link connects %s to itself", link.A))
		}
		if len(link.Rate) > 0 {
			if _, err := ParseDataRate(link.Rate); err != nil {
				errs = append(errs, err)
			}
		}
		if len(link.Delay) > 0 {
			if _, err := ParseDelay(link.Delay); err != nil {
				errs = append(errs, err)
			}
		}
		if len(link.Queue) > 0 {
			if _, err := ParseQueueSize(link.Queue); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return ReportErrs(errs)
}

// WriteToFile serializes the TopoCfg, as yaml or json depending on the file extension
func (tc *TopoCfg) WriteToFile(filename string) error {
	return WriteSerialized(filename, tc)
}

// ReadTopoCfg deserializes a TopoCfg. If dict is empty the bytes are read from filename.
func ReadTopoCfg(filename string, useYAML bool, dict []byte) (*TopoCfg, error) {
	tc := TopoCfg{}
	if err := ReadSerialized(filename, useYAML, dict, &tc); err != nil {
		return nil, err
	}
	return &tc, nil
}

// UseYAML reports whether filename's extension selects yaml over json
func UseYAML(filename string) bool {
	pathExt := path.Ext(filename)
	return pathExt == ".yaml" || pathExt == ".YAML" || pathExt == ".yml"
}

// WriteSerialized writes obj to filename as yaml or json, selected by the extension
func WriteSerialized(filename string, obj any) error {
	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error

	if UseYAML(filename) {
		bytes, merr = yaml.Marshal(obj)
	} else if pathExt == ".json" || pathExt == ".JSON" {
		bytes, merr = json.MarshalIndent(obj, "", "\t")
	} else {
		return fmt.Errorf("file %s needs a .yaml or .json extension", filename)
	}
	if merr != nil {
		return merr
	}
	return os.WriteFile(filename, bytes, 0o644)
}

// ReadSerialized fills obj from dict, or from filename when dict is empty
func ReadSerialized(filename string, useYAML bool, dict []byte, obj any) error {
	var err error
	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return err
		}
	}
	if useYAML {
		return yaml.Unmarshal(dict, obj)
	}
	return json.Unmarshal(dict, obj)
}

// ReportErrs transforms a list of errors and transforms the non-nil ones into a single error
// with comma-separated report of all the constituent errors, and returns it.
func ReportErrs(errs []error) error {
	errMsg := make([]string, 0)
	for _, err := range errs {
		if err != nil {
			errMsg = append(errMsg, err.Error())
		}
	}
	if len(errMsg) == 0 {
		return nil
	}

	return errors.New(strings.Join(errMsg, ","))
}
