package fetch

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"
	"go.uber.org/zap"

	"github.com/HerbHall/vigil/internal/router"
	"github.com/HerbHall/vigil/pkg/check"
)

// SNMPCredential holds the fields needed for SNMP authentication.
type SNMPCredential struct {
	Type string `mapstructure:"type"` // "snmp_v2c" or "snmp_v3"

	// SNMPv2c fields.
	Community string `mapstructure:"community"`

	// SNMPv3 fields.
	Username              string `mapstructure:"username"`
	AuthProtocol          string `mapstructure:"auth_protocol"` // "MD5", "SHA", "SHA-256", etc.
	AuthPassphrase        string `mapstructure:"auth_passphrase"`
	PrivacyProtocol       string `mapstructure:"privacy_protocol"` // "DES", "AES", "AES-256", etc.
	PrivacyPassphrase     string `mapstructure:"privacy_passphrase"`
	SecurityLevel         string `mapstructure:"security_level"` // "noAuthNoPriv", "authNoPriv", "authPriv"
	ContextName           string `mapstructure:"context_name"`
	AuthoritativeEngineID string `mapstructure:"authoritative_engine_id"`
}

// Column is one walked OID of a table. Numeric values are multiplied by
// Scale when it is non-zero.
type Column struct {
	OID   string  `mapstructure:"oid"`
	Scale float64 `mapstructure:"scale"`
}

// Table maps an SNMP table onto a section: one record per table index,
// one field per column, in column order.
type Table struct {
	Section string   `mapstructure:"section"`
	Columns []Column `mapstructure:"columns"`
}

// DefaultTables returns the tables walked when none are configured.
func DefaultTables() []Table {
	return []Table{
		{
			// LM-SENSORS-MIB lmTempSensorsDevice, lmTempSensorsValue (mC).
			Section: "temperature",
			Columns: []Column{
				{OID: "1.3.6.1.4.1.2021.13.16.2.1.2"},
				{OID: "1.3.6.1.4.1.2021.13.16.2.1.3", Scale: 0.001},
			},
		},
	}
}

// SNMPConfig holds SNMP acquisition settings. Hosts overrides Credential
// per host name.
type SNMPConfig struct {
	Port       int                       `mapstructure:"port"`
	Timeout    time.Duration             `mapstructure:"timeout"`
	Retries    int                       `mapstructure:"retries"`
	Credential SNMPCredential            `mapstructure:"credential"`
	Hosts      map[string]SNMPCredential `mapstructure:"hosts"`
	Tables     []Table                   `mapstructure:"tables"`
}

// DefaultSNMPConfig returns SNMPv2c defaults with the public community.
func DefaultSNMPConfig() SNMPConfig {
	return SNMPConfig{
		Port:       161,
		Timeout:    5 * time.Second,
		Retries:    1,
		Credential: SNMPCredential{Type: "snmp_v2c", Community: "public"},
		Tables:     DefaultTables(),
	}
}

// SNMP walks the configured tables of a device.
type SNMP struct {
	cfg    SNMPConfig
	logger *zap.Logger
}

// NewSNMP creates an SNMP fetcher.
func NewSNMP(cfg SNMPConfig, logger *zap.Logger) *SNMP {
	if cfg.Port <= 0 {
		cfg.Port = 161
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultSNMPConfig().Timeout
	}
	if len(cfg.Tables) == 0 {
		cfg.Tables = DefaultTables()
	}
	return &SNMP{cfg: cfg, logger: logger}
}

func (s *SNMP) credential(host string) *SNMPCredential {
	if cred, ok := s.cfg.Hosts[host]; ok {
		return &cred
	}
	cred := s.cfg.Credential
	return &cred
}

// Fetch walks every table against the host (or, for management origins,
// its controller address). A table the device does not implement yields
// no section.
func (s *SNMP) Fetch(ctx context.Context, host router.Host, origin check.Origin) ([]check.RawSection, error) {
	target := hostPort(hostAddress(host, origin), s.cfg.Port)
	g, err := newGoSNMP(target, s.credential(host.Name))
	if err != nil {
		return nil, fmt.Errorf("configure SNMP: %w", err)
	}
	g.Timeout = s.cfg.Timeout
	g.Retries = s.cfg.Retries
	g.Context = ctx

	if err := g.Connect(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", target, err)
	}
	defer func() { _ = g.Conn.Close() }()

	var out []check.RawSection
	for _, table := range s.cfg.Tables {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		columns := make([][]gosnmp.SnmpPDU, len(table.Columns))
		for i, col := range table.Columns {
			pdus, err := g.BulkWalkAll(col.OID)
			if err != nil {
				return nil, fmt.Errorf("SNMP walk %s: %w", col.OID, err)
			}
			columns[i] = pdus
		}
		sec := assembleTable(table, columns)
		if len(sec.Records) == 0 {
			continue
		}
		out = append(out, sec)
	}

	s.logger.Debug("SNMP tables walked",
		zap.String("host", host.Name),
		zap.String("target", target),
		zap.Int("sections", len(out)),
	)
	return out, nil
}

// newGoSNMP creates a configured GoSNMP instance for the given target and credential.
// The returned GoSNMP is not yet connected; the caller must call Connect().
func newGoSNMP(target string, cred *SNMPCredential) (*gosnmp.GoSNMP, error) {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		// No port specified, default to 161.
		host = target
		portStr = "161"
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q: %w", portStr, err)
	}

	g := &gosnmp.GoSNMP{
		Target:         host,
		Port:           uint16(port),
		Timeout:        5 * time.Second,
		Retries:        1,
		MaxRepetitions: gosnmp.Default.MaxRepetitions,
	}

	switch cred.Type {
	case "snmp_v2c", "":
		g.Version = gosnmp.Version2c
		g.Community = cred.Community

	case "snmp_v3":
		g.Version = gosnmp.Version3
		g.SecurityModel = gosnmp.UserSecurityModel

		switch cred.SecurityLevel {
		case "noAuthNoPriv":
			g.MsgFlags = gosnmp.NoAuthNoPriv
		case "authNoPriv":
			g.MsgFlags = gosnmp.AuthNoPriv
		default:
			g.MsgFlags = gosnmp.AuthPriv
		}

		g.SecurityParameters = &gosnmp.UsmSecurityParameters{
			UserName:                 cred.Username,
			AuthenticationProtocol:   mapAuthProtocol(cred.AuthProtocol),
			AuthenticationPassphrase: cred.AuthPassphrase,
			PrivacyProtocol:          mapPrivProtocol(cred.PrivacyProtocol),
			PrivacyPassphrase:        cred.PrivacyPassphrase,
			AuthoritativeEngineID:    cred.AuthoritativeEngineID,
		}
		g.ContextName = cred.ContextName

	default:
		return nil, fmt.Errorf("unsupported SNMP credential type: %s", cred.Type)
	}

	return g, nil
}

// mapAuthProtocol converts an auth protocol string to the gosnmp constant.
func mapAuthProtocol(s string) gosnmp.SnmpV3AuthProtocol {
	switch strings.ToUpper(s) {
	case "MD5":
		return gosnmp.MD5
	case "SHA-224", "SHA224":
		return gosnmp.SHA224
	case "SHA-256", "SHA256":
		return gosnmp.SHA256
	case "SHA-384", "SHA384":
		return gosnmp.SHA384
	case "SHA-512", "SHA512":
		return gosnmp.SHA512
	default:
		return gosnmp.SHA
	}
}

// mapPrivProtocol converts a privacy protocol string to the gosnmp constant.
func mapPrivProtocol(s string) gosnmp.SnmpV3PrivProtocol {
	switch strings.ToUpper(s) {
	case "DES":
		return gosnmp.DES
	case "AES-192", "AES192":
		return gosnmp.AES192
	case "AES-256", "AES256":
		return gosnmp.AES256
	case "AES-192C", "AES192C":
		return gosnmp.AES192C
	case "AES-256C", "AES256C":
		return gosnmp.AES256C
	default:
		return gosnmp.AES
	}
}

// assembleTable joins walked columns into records keyed by table index.
// Rows are ordered by index; a cell missing from a column is empty.
func assembleTable(table Table, columns [][]gosnmp.SnmpPDU) check.RawSection {
	rows := make(map[string][]string)
	for i, pdus := range columns {
		prefix := "." + strings.TrimPrefix(table.Columns[i].OID, ".") + "."
		for _, pdu := range pdus {
			if pdu.Type == gosnmp.NoSuchObject || pdu.Type == gosnmp.NoSuchInstance || pdu.Type == gosnmp.EndOfMibView {
				continue
			}
			name := "." + strings.TrimPrefix(pdu.Name, ".")
			if !strings.HasPrefix(name, prefix) {
				continue
			}
			index := name[len(prefix):]
			row, ok := rows[index]
			if !ok {
				row = make([]string, len(columns))
				rows[index] = row
			}
			row[i] = pduValue(pdu, table.Columns[i].Scale)
		}
	}

	indexes := make([]string, 0, len(rows))
	for idx := range rows {
		indexes = append(indexes, idx)
	}
	sort.Slice(indexes, func(i, j int) bool { return lessOID(indexes[i], indexes[j]) })

	sec := check.RawSection{Name: table.Section, Origin: check.OriginSNMP}
	for _, idx := range indexes {
		sec.Records = append(sec.Records, rows[idx])
	}
	return sec
}

// pduValue renders a PDU value as a section field.
func pduValue(pdu gosnmp.SnmpPDU, scale float64) string {
	switch v := pdu.Value.(type) {
	case []byte:
		return string(v)
	case string:
		return v
	case nil:
		return ""
	}
	n := gosnmp.ToBigInt(pdu.Value)
	if scale == 0 {
		return n.String()
	}
	f, _ := n.Float64()
	return strconv.FormatFloat(f*scale, 'f', -1, 64)
}

// lessOID orders dotted indexes numerically, component by component.
func lessOID(a, b string) bool {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		x, errX := strconv.Atoi(as[i])
		y, errY := strconv.Atoi(bs[i])
		if errX != nil || errY != nil {
			if as[i] != bs[i] {
				return as[i] < bs[i]
			}
			continue
		}
		if x != y {
			return x < y
		}
	}
	return len(as) < len(bs)
}
