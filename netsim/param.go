package netsim

// param.go implements run-time parameters. An ExpParameter names the kind of
// object it applies to, attributes an object must match, and a value.
// Parameters are applied most general first, so a named assignment
// overrides a wildcard one.

import (
	"fmt"
	"sort"
	"strconv"

	"golang.org/x/exp/slices"
)

// AttrbStruct holds the name of an attribute and a value for it
type AttrbStruct struct {
	AttrbName  string `json:"attrbname" yaml:"attrbname"`
	AttrbValue string `json:"attrbvalue" yaml:"attrbvalue"`
}

// A valueStruct type holds the different types a value might have;
// which one is used is known by context
type valueStruct struct {
	intValue    int
	floatValue  float64
	stringValue string
	boolValue   bool
}

// paramObj is satisfied by everything a parameter can be applied to
type paramObj interface {
	matchParam(attrbName, attrbValue string) bool
	setParam(param string, value valueStruct) error
	paramObjName() string
}

// ExpParamObjs, ExpAttributes and ExpParams list the object types that
// accept parameters, the attributes each can be matched on, and the
// parameters each accepts
var ExpParamObjs = []string{"Host", "Switch", "Interface"}

var ExpAttributes = map[string][]string{
	"Host":      {"name", "group", "*"},
	"Switch":    {"name", "group", "*"},
	"Interface": {"name", "group", "devtype", "devname", "*"},
}

var ExpParams = map[string][]string{
	"Host":      {"queue", "mss", "window"},
	"Switch":    {"queue"},
	"Interface": {"bandwidth", "delay", "queue", "mtu"},
}

// CreateAttrbStruct is a constructor
func CreateAttrbStruct(attrbName, attrbValue string) *AttrbStruct {
	as := new(AttrbStruct)
	as.AttrbName = attrbName
	as.AttrbValue = attrbValue
	return as
}

// WildcardAttrbs matches every object of a type
func WildcardAttrbs() []AttrbStruct {
	return []AttrbStruct{{AttrbName: "*", AttrbValue: ""}}
}

// ValidateAttribute checks that the attribute named is one that associates with the parameter object type named
func ValidateAttribute(paramObj, attrbName string) bool {
	attrbs, present := ExpAttributes[paramObj]
	if !present {
		return false
	}
	if attrbName == "*" {
		return true
	}
	return slices.Contains(attrbs, attrbName)
}

// CompareAttrbs returns -1 if the first argument is strictly more general than the second,
// returns 1 if the second argument is strictly more general than the first, and 0 otherwise
func CompareAttrbs(attrbs1, attrbs2 []AttrbStruct) int {
	// every name of the shorter list must appear in the longer one
	contained := func(short, long []AttrbStruct) bool {
		for _, as := range short {
			found := slices.ContainsFunc(long, func(al AttrbStruct) bool {
				return al.AttrbName == as.AttrbName
			})
			if !found {
				return false
			}
		}
		return true
	}

	if len(attrbs1) < len(attrbs2) && contained(attrbs1, attrbs2) {
		return -1
	}
	if len(attrbs2) < len(attrbs1) && contained(attrbs2, attrbs1) {
		return 1
	}
	return 0
}

// EqAttrbs determines whether the two attribute lists are exactly the same
func EqAttrbs(attrbs1, attrbs2 []AttrbStruct) bool {
	if len(attrbs1) != len(attrbs2) {
		return false
	}
	for _, as := range attrbs1 {
		if !slices.Contains(attrbs2, as) {
			return false
		}
	}
	for _, as := range attrbs2 {
		if !slices.Contains(attrbs1, as) {
			return false
		}
	}
	return true
}

// ExpParameter describes one run-time assignment
type ExpParameter struct {
	// Type of thing being configured: Host, Switch or Interface
	ParamObj string `json:"paramObj" yaml:"paramObj"`

	// every attribute must match for the value to be applied
	Attributes []AttrbStruct `json:"attributes" yaml:"attributes"`

	// parameter name, e.g. "bandwidth"
	Param string `json:"param" yaml:"param"`

	// string-encoded value; units are accepted where the parameter has them
	Value string `json:"value" yaml:"value"`
}

// Eq reports whether two ExpParameters are identical
func (epp *ExpParameter) Eq(ep2 *ExpParameter) bool {
	return epp.ParamObj == ep2.ParamObj && EqAttrbs(epp.Attributes, ep2.Attributes) &&
		epp.Param == ep2.Param && epp.Value == ep2.Value
}

// CreateExpParameter is a constructor
func CreateExpParameter(paramObj string, attributes []AttrbStruct, param, value string) *ExpParameter {
	return &ExpParameter{ParamObj: paramObj, Attributes: attributes, Param: param, Value: value}
}

// ExpCfg holds all of the ExpParameters for a named experiment
type ExpCfg struct {
	Name       string         `json:"expname" yaml:"expname"`
	Parameters []ExpParameter `json:"parameters" yaml:"parameters"`
}

// CreateExpCfg is a constructor
func CreateExpCfg(name string) *ExpCfg {
	return &ExpCfg{Name: name, Parameters: make([]ExpParameter, 0)}
}

// ValidateParameter returns an error if the paramObj, attributes, and param values don't
// make sense taken together within an ExpParameter.
func ValidateParameter(paramObj string, attributes []AttrbStruct, param string) error {
	if !slices.Contains(ExpParamObjs, paramObj) {
		return fmt.Errorf("parameter object %s is not recognized", paramObj)
	}
	for _, attrb := range attributes {
		if !ValidateAttribute(paramObj, attrb.AttrbName) {
			return fmt.Errorf("attribute %s not valid for parameter object type %s", attrb.AttrbName, paramObj)
		}
	}
	if !slices.Contains(ExpParams[paramObj], param) {
		return fmt.Errorf("parameter %s not valid for parameter object type %s", param, paramObj)
	}
	return nil
}

// AddParameter validates and appends a parameter
func (excfg *ExpCfg) AddParameter(paramObj string, attributes []AttrbStruct, param, value string) error {
	if err := ValidateParameter(paramObj, attributes, param); err != nil {
		return err
	}
	excfg.Parameters = append(excfg.Parameters, *CreateExpParameter(paramObj, attributes, param, value))
	return nil
}

// Validate checks every parameter
func (excfg *ExpCfg) Validate() error {
	errs := []error{}
	for _, param := range excfg.Parameters {
		errs = append(errs, ValidateParameter(param.ParamObj, param.Attributes, param.Param))
	}
	return ReportErrs(errs)
}

// WriteToFile stores the ExpCfg as yaml or json, selected by the file extension
func (excfg *ExpCfg) WriteToFile(filename string) error {
	return WriteSerialized(filename, excfg)
}

// ReadExpCfg deserializes an ExpCfg. If dict is empty the bytes are read from filename.
func ReadExpCfg(filename string, useYAML bool, dict []byte) (*ExpCfg, error) {
	excfg := ExpCfg{}
	if err := ReadSerialized(filename, useYAML, dict, &excfg); err != nil {
		return nil, err
	}
	return &excfg, nil
}

// reorderExpParams puts wildcard assignments first, named ones last and
// the rest in between ordered by generality, then removes duplicates
func reorderExpParams(pL []ExpParameter) []ExpParameter {
	wc := []ExpParameter{}
	nm := []ExpParameter{}
	sg := []ExpParameter{}

	for _, param := range pL {
		assigned := false
		for _, attrb := range param.Attributes {
			if attrb.AttrbName == "*" {
				wc = append(wc, param)
				assigned = true
				break
			} else if attrb.AttrbName == "name" {
				nm = append(nm, param)
				assigned = true
				break
			}
		}
		if !assigned {
			sg = append(sg, param)
		}
	}

	// stable sorts keep the order given in the configuration among equals
	sort.SliceStable(wc, func(i, j int) bool { return wc[i].Param < wc[j].Param })
	sort.SliceStable(sg, func(i, j int) bool {
		return CompareAttrbs(sg[i].Attributes, sg[j].Attributes) == -1
	})
	sort.SliceStable(nm, func(i, j int) bool {
		return CompareAttrbs(nm[i].Attributes, nm[j].Attributes) == -1
	})

	wc = append(wc, sg...)
	wc = append(wc, nm...)

	for idx := len(wc) - 1; idx > 0; idx = idx - 1 {
		if wc[idx].Eq(&wc[idx-1]) {
			wc = append(wc[:idx], wc[(idx+1):]...)
		}
	}
	return wc
}

// stringToValueStruct takes a string (used in the run-time configuration phase)
// and determines whether it is an integer, floating point, bool or a string
func stringToValueStruct(v string) valueStruct {
	vs := valueStruct{stringValue: v}

	ivalue, ierr := strconv.Atoi(v)
	if ierr == nil {
		vs.intValue = ivalue
		vs.boolValue = (ivalue == 1)
		vs.floatValue = float64(ivalue)
		return vs
	}

	fvalue, ferr := strconv.ParseFloat(v, 64)
	if ferr == nil {
		vs.floatValue = fvalue
		return vs
	}

	if v == "true" || v == "True" {
		vs.boolValue = true
	}
	return vs
}

// SetParameters applies the ExpCfg to the network, most general assignments first
func (net *Network) SetParameters(expCfg *ExpCfg) error {
	if err := expCfg.Validate(); err != nil {
		return err
	}

	byObj := make(map[string][]ExpParameter)
	for _, param := range expCfg.Parameters {
		byObj[param.ParamObj] = append(byObj[param.ParamObj], param)
	}

	errs := []error{}
	for _, objType := range ExpParamObjs {
		var testList []paramObj
		switch objType {
		case "Host":
			for _, host := range net.Hosts {
				testList = append(testList, host)
			}
		case "Switch":
			for _, swtch := range net.Switches {
				testList = append(testList, swtch)
			}
		case "Interface":
			for _, intrfc := range net.Intrfcs {
				testList = append(testList, intrfc)
			}
		}

		for _, param := range reorderExpParams(byObj[objType]) {
			vs := stringToValueStruct(param.Value)
			for _, testObj := range testList {
				matched := true
				for _, attrb := range param.Attributes {
					// wildcard matches everything and overrides any other attribute
					if attrb.AttrbName == "*" {
						matched = true
						break
					}
					if !testObj.matchParam(attrb.AttrbName, attrb.AttrbValue) {
						matched = false
						break
					}
				}
				if matched {
					if err := testObj.setParam(param.Param, vs); err != nil {
						errs = append(errs, fmt.Errorf("%s %s: %w", objType, testObj.paramObjName(), err))
					}
				}
			}
		}
	}
	return ReportErrs(errs)
}
