package common

import "errors"

var (
	ErrInvalidContainerType = errors.New("not a valid ContainerType")
	ErrInvalidHierarchyType = errors.New("not a valid HierarchyType")
)
