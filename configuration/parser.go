package configuration

import (
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// Version is a major/minor version pair of the form Major.Minor. Major
// version upgrades indicate structure or type changes; minor upgrades are
// strictly additive.
type Version string

// MajorMinorVersion constructs a Version from its components.
func MajorMinorVersion(major, minor uint) Version {
	return Version(fmt.Sprintf("%d.%d", major, minor))
}

func (version Version) major() (uint, error) {
	majorPart, _, _ := strings.Cut(string(version), ".")
	major, err := strconv.ParseUint(majorPart, 10, 0)
	return uint(major), err
}

// Major returns the major version portion of a Version.
func (version Version) Major() uint {
	major, _ := version.major()
	return major
}

func (version Version) minor() (uint, error) {
	_, minorPart, _ := strings.Cut(string(version), ".")
	minor, err := strconv.ParseUint(minorPart, 10, 0)
	return uint(minor), err
}

// Minor returns the minor version portion of a Version.
func (version Version) Minor() uint {
	minor, _ := version.minor()
	return minor
}

// VersionedParseInfo defines how one configuration file version is parsed
// and converted into the current in-memory form.
type VersionedParseInfo struct {
	Version Version

	// ParseAs is the struct type files of this version unmarshal into.
	ParseAs reflect.Type

	// ConversionFunc converts the parsed value (of type ParseAs) into the
	// current configuration version.
	ConversionFunc func(interface{}) (interface{}, error)
}

// Parser parses a versioned configuration file, overlaying values from
// environment variables carrying the parser's prefix.
type Parser struct {
	prefix  string
	mapping map[Version]VersionedParseInfo
	env     map[string]string
}

// NewParser returns a Parser for the given environment prefix and version
// mapping.
func NewParser(prefix string, parseInfos []VersionedParseInfo) *Parser {
	p := Parser{prefix: prefix, mapping: make(map[Version]VersionedParseInfo), env: make(map[string]string)}
	for _, parseInfo := range parseInfos {
		p.mapping[parseInfo.Version] = parseInfo
	}
	for _, env := range os.Environ() {
		k, v, _ := strings.Cut(env, "=")
		p.env[k] = v
	}
	return &p
}

// Parse reads the given bytes and the environment and writes the resulting
// configuration into v.
//
// Environment variables override file values by path: v.Abc comes from
// PREFIX_ABC, v.Abc.Xyz from PREFIX_ABC_XYZ, and so forth. The version
// itself cannot be overridden.
func (p *Parser) Parse(in []byte, v interface{}) error {
	var versioned struct {
		Version Version
	}
	if err := yaml.Unmarshal(in, &versioned); err != nil {
		return err
	}

	parseInfo, ok := p.mapping[versioned.Version]
	if !ok {
		return fmt.Errorf("unsupported configuration version: %q", versioned.Version)
	}

	parseAs := reflect.New(parseInfo.ParseAs)
	if err := yaml.Unmarshal(in, parseAs.Interface()); err != nil {
		return err
	}
	if err := p.overwriteFields(parseAs, p.prefix); err != nil {
		return err
	}

	c, err := parseInfo.ConversionFunc(parseAs.Interface())
	if err != nil {
		return err
	}
	reflect.ValueOf(v).Elem().Set(reflect.Indirect(reflect.ValueOf(c)))
	return nil
}

func (p *Parser) overwriteFields(v reflect.Value, prefix string) error {
	for v.Kind() == reflect.Ptr {
		v = reflect.Indirect(v)
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			sf := v.Type().Field(i)
			fieldPrefix := strings.ToUpper(prefix + "_" + sf.Name)
			if e, ok := p.env[fieldPrefix]; ok {
				fieldVal := reflect.New(sf.Type)
				if err := yaml.Unmarshal([]byte(e), fieldVal.Interface()); err != nil {
					return err
				}
				v.Field(i).Set(reflect.Indirect(fieldVal))
			}
			if err := p.overwriteFields(v.Field(i), fieldPrefix); err != nil {
				return err
			}
		}
	case reflect.Map:
		return p.overwriteMap(v, prefix)
	}
	return nil
}

func (p *Parser) overwriteMap(m reflect.Value, prefix string) error {
	envMapRegexp, err := regexp.Compile("^" + strings.ToUpper(prefix) + "_([A-Z0-9]+)$")
	if err != nil {
		return err
	}

	switch m.Type().Elem().Kind() {
	case reflect.Struct:
		for _, k := range m.MapKeys() {
			// Map values are not addressable; overwrite a copy and
			// store it back.
			entry := reflect.New(m.Type().Elem()).Elem()
			entry.Set(m.MapIndex(k))
			if err := p.overwriteFields(entry, strings.ToUpper(fmt.Sprintf("%s_%s", prefix, k))); err != nil {
				return err
			}
			m.SetMapIndex(k, entry)
		}
	case reflect.Map:
		for _, k := range m.MapKeys() {
			if err := p.overwriteMap(m.MapIndex(k), strings.ToUpper(fmt.Sprintf("%s_%s", prefix, k))); err != nil {
				return err
			}
		}
	}

	for key, val := range p.env {
		submatches := envMapRegexp.FindStringSubmatch(key)
		if submatches == nil {
			continue
		}
		mapValue := reflect.New(m.Type().Elem())
		if err := yaml.Unmarshal([]byte(val), mapValue.Interface()); err != nil {
			return err
		}
		m.SetMapIndex(reflect.ValueOf(strings.ToLower(submatches[1])), reflect.Indirect(mapValue))
	}
	return nil
}
