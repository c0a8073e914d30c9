package check

// Origin identifies the data source a RawSection was collected from.
type Origin string

const (
	OriginAgent Origin = "agent"
	OriginMgmt  Origin = "mgmt"
	OriginSNMP  Origin = "snmp"
	OriginIPMI  Origin = "ipmi"
)

// Source is the routing side of a host: the host proper or its
// management controller.
type Source string

const (
	SourceHost Source = "host"
	SourceMgmt Source = "mgmt"
)

// Source maps an origin onto the side of the host it describes. IPMI data
// is read from the management board, so it routes with the controller.
func (o Origin) Source() Source {
	switch o {
	case OriginMgmt, OriginIPMI:
		return SourceMgmt
	default:
		return SourceHost
	}
}

// RawSection is the parsed output of one data source for one host. It is
// produced by fetchers and treated as read-only by the engine.
type RawSection struct {
	Name    string
	Origin  Origin
	Records [][]string
}

// Sections is a read-only snapshot of the raw sections of one host.
type Sections []RawSection

// Get returns the first section with the given name.
func (s Sections) Get(name string) (RawSection, bool) {
	for _, sec := range s {
		if sec.Name == name {
			return sec, true
		}
	}
	return RawSection{}, false
}

// Records returns the records of the named section, or nil.
func (s Sections) Records(name string) [][]string {
	sec, ok := s.Get(name)
	if !ok {
		return nil
	}
	return sec.Records
}

// Filter returns the sections belonging to source whose names are in
// names. An empty names list keeps every section of that source.
func (s Sections) Filter(source Source, names []string) Sections {
	var out Sections
	for _, sec := range s {
		if sec.Origin.Source() != source {
			continue
		}
		if len(names) > 0 && !contains(names, sec.Name) {
			continue
		}
		out = append(out, sec)
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
