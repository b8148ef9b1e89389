// Package common holds enumerations shared by configuration and processing
// packages.
package common

import (
	"fmt"
	"strings"
)

// Kind of a node in the platform container hierarchy.
type ContainerType string

const (
	ContainerTypeGroup       ContainerType = "group"
	ContainerTypeProject     ContainerType = "project"
	ContainerTypeSubject     ContainerType = "subject"
	ContainerTypeSession     ContainerType = "session"
	ContainerTypeAcquisition ContainerType = "acquisition"
	ContainerTypeFile        ContainerType = "file"
)

var containerTypeNames = []string{
	string(ContainerTypeGroup),
	string(ContainerTypeProject),
	string(ContainerTypeSubject),
	string(ContainerTypeSession),
	string(ContainerTypeAcquisition),
	string(ContainerTypeFile),
}

// ContainerTypeNames returns a list of possible string values of ContainerType.
func ContainerTypeNames() []string {
	tmp := make([]string, len(containerTypeNames))
	copy(tmp, containerTypeNames)
	return tmp
}

// String implements the Stringer interface.
func (x ContainerType) String() string {
	return string(x)
}

// IsValid provides a quick way to determine if the typed value is
// part of the allowed enumerated values
func (x ContainerType) IsValid() bool {
	_, err := ParseContainerType(string(x))
	return err == nil
}

// ParseContainerType attempts to convert a string to a ContainerType.
func ParseContainerType(name string) (ContainerType, error) {
	for _, n := range containerTypeNames {
		if strings.EqualFold(n, name) {
			return ContainerType(n), nil
		}
	}
	return ContainerType(""), fmt.Errorf("%s is %w", name, ErrInvalidContainerType)
}

// Layout of a local directory tree handed to upload.
type HierarchyType int

const (
	HierarchyTypeBids HierarchyType = iota
	HierarchyTypeFlywheel
)

var hierarchyTypeNames = []string{"bids", "flywheel"}

// HierarchyTypeNames returns a list of possible string values of HierarchyType.
func HierarchyTypeNames() []string {
	tmp := make([]string, len(hierarchyTypeNames))
	copy(tmp, hierarchyTypeNames)
	return tmp
}

// String implements the Stringer interface.
func (x HierarchyType) String() string {
	if int(x) >= 0 && int(x) < len(hierarchyTypeNames) {
		return hierarchyTypeNames[x]
	}
	return fmt.Sprintf("HierarchyType(%d)", x)
}

// ParseHierarchyType attempts to convert a string to a HierarchyType.
func ParseHierarchyType(name string) (HierarchyType, error) {
	for i, n := range hierarchyTypeNames {
		if strings.EqualFold(n, name) {
			return HierarchyType(i), nil
		}
	}
	return HierarchyType(0), fmt.Errorf("%s is %w", name, ErrInvalidHierarchyType)
}

// MarshalText implements the text marshaller method.
func (x HierarchyType) MarshalText() ([]byte, error) {
	return []byte(x.String()), nil
}

// UnmarshalText implements the text unmarshaller method.
func (x *HierarchyType) UnmarshalText(text []byte) error {
	tmp, err := ParseHierarchyType(string(text))
	if err != nil {
		return err
	}
	*x = tmp
	return nil
}
