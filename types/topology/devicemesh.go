package topology

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/pipefuser/internal/utils"
	"github.com/pkg/errors"
)

// DeviceMesh is a named, row-major grid of devices: the last axis varies fastest.
//
// Device numbers are the global ranks 0..NumDevices()-1.
type DeviceMesh struct {
	name string

	// axesNames are the names of the mesh axes.
	axesNames []string

	// axesSizes defines the number of devices along each mesh axis.
	axesSizes []int

	// nameToAxis maps axis names to their index.
	nameToAxis map[string]int

	// numDevices is the total number of devices in the mesh.
	numDevices int
}

// NewDeviceMesh creates a new logical grid of devices.
//
//   - name: the name of the mesh, it must be a valid identifier (see utils.NormalizeIdentifier).
//   - axesSizes: defines the number of devices along each mesh axis, one value per axis, each >= 1.
//   - axesNames: the names of the mesh axes. One value per axis, unique and valid identifiers.
func NewDeviceMesh(name string, axesSizes []int, axesNames []string) (*DeviceMesh, error) {
	if len(axesSizes) != len(axesNames) {
		return nil, errors.Errorf("axesSizes and axesNames must have the same length, got %d and %d",
			len(axesSizes), len(axesNames))
	}
	if len(axesSizes) == 0 {
		return nil, errors.New("DeviceMesh axesSizes cannot be empty")
	}
	if name != utils.NormalizeIdentifier(name) {
		return nil, errors.Errorf("DeviceMesh name %q is not a valid identifier, suggestion %q",
			name, utils.NormalizeIdentifier(name))
	}

	numDevices := 1
	nameToAxis := make(map[string]int, len(axesSizes))
	for i, axisName := range axesNames {
		if axisName == "" {
			return nil, errors.Errorf("DeviceMesh axis name at index %d cannot be empty", i)
		}
		if axisName != utils.NormalizeIdentifier(axisName) {
			return nil, errors.Errorf("DeviceMesh axis name %q at index %d is not a valid identifier, suggestion %q",
				axisName, i, utils.NormalizeIdentifier(axisName))
		}
		if _, found := nameToAxis[axisName]; found {
			return nil, errors.Errorf("DeviceMesh axis name %q is duplicated", axisName)
		}
		if axesSizes[i] < 1 {
			return nil, errors.Errorf("DeviceMesh axis %q has size %d, it must be >= 1", axisName, axesSizes[i])
		}
		nameToAxis[axisName] = i
		numDevices *= axesSizes[i]
	}

	return &DeviceMesh{
		name:       name,
		axesNames:  slices.Clone(axesNames),
		axesSizes:  slices.Clone(axesSizes),
		nameToAxis: nameToAxis,
		numDevices: numDevices,
	}, nil
}

func (m *DeviceMesh) Name() string {
	return m.name
}

// NumDevices returns the total number of devices in the mesh.
func (m *DeviceMesh) NumDevices() int {
	return m.numDevices
}

// Rank returns the number of axes in the mesh.
func (m *DeviceMesh) Rank() int {
	return len(m.axesSizes)
}

// AxesNames returns a copy of the mesh's axis names.
func (m *DeviceMesh) AxesNames() []string {
	return slices.Clone(m.axesNames)
}

// AxesSizes returns a copy of the mesh's axesSizes.
func (m *DeviceMesh) AxesSizes() []int {
	return slices.Clone(m.axesSizes)
}

// AxisSize returns the number of devices along the given mesh axis.
func (m *DeviceMesh) AxisSize(axisName string) (int, error) {
	idx, found := m.nameToAxis[axisName]
	if !found {
		return 0, errors.Errorf("mesh axis %q not found", axisName)
	}
	return m.axesSizes[idx], nil
}

// Coordinates returns the per-axis index of the device.
func (m *DeviceMesh) Coordinates(device int) ([]int, error) {
	if device < 0 || device >= m.numDevices {
		return nil, errors.Errorf("device %d out of range for mesh with %d devices", device, m.numDevices)
	}
	coords := make([]int, len(m.axesSizes))
	remaining := device
	for i := len(m.axesSizes) - 1; i >= 0; i-- {
		coords[i] = remaining % m.axesSizes[i]
		remaining /= m.axesSizes[i]
	}
	return coords, nil
}

// Device is the inverse of Coordinates.
func (m *DeviceMesh) Device(coords []int) (int, error) {
	if len(coords) != len(m.axesSizes) {
		return 0, errors.Errorf("mesh has %d axes, got %d coordinates", len(m.axesSizes), len(coords))
	}
	device := 0
	for i, c := range coords {
		if c < 0 || c >= m.axesSizes[i] {
			return 0, errors.Errorf("coordinate %d out of range for axis %q of size %d",
				c, m.axesNames[i], m.axesSizes[i])
		}
		device = device*m.axesSizes[i] + c
	}
	return device, nil
}

// String implements the fmt.Stringer interface.
func (m *DeviceMesh) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "DeviceMesh(%s, axesSizes={", m.name)
	for i, name := range m.axesNames {
		if i > 0 {
			sb.WriteString(", ")
		}
		_, _ = fmt.Fprintf(&sb, "%s: %d", name, m.axesSizes[i])
	}
	sb.WriteString("})")
	return sb.String()
}

// ComputeReplicaGroups returns the groups of devices that take part together in a collective operation
// performed along the given axes.
//
// Each group (a []int) holds the devices that differ only in the given axes, ordered by their position
// along those axes. The remaining axes split the devices into different groups.
//
// Example:
//
//		m := NewDeviceMesh("mesh", []int{2, 2}, []string{"dp", "pp"})
//		dpGroups, _ := m.ComputeReplicaGroups([]string{"dp"})  // -> [][]int{{0, 2}, {1, 3}}
//		ppGroups, _ := m.ComputeReplicaGroups([]string{"pp"})  // -> [][]int{{0, 1}, {2, 3}}
//	 globalGroups, _ := m.ComputeReplicaGroups([]string{"dp", "pp"})  // -> [][]int{{0, 1, 2, 3}}
func (m *DeviceMesh) ComputeReplicaGroups(axes []string) ([][]int, error) {
	axisIndices := make([]int, 0, len(axes))
	axisSet := utils.MakeSet[int](len(axes))
	for _, axis := range axes {
		idx, found := m.nameToAxis[axis]
		if !found {
			return nil, errors.Errorf("axis %q not found in mesh", axis)
		}
		if axisSet.Has(idx) {
			return nil, errors.Errorf("axis %q is duplicated: each axis can only appear once", axis)
		}
		axisIndices = append(axisIndices, idx)
		axisSet.Insert(idx)
	}

	nonAxisIndices := make([]int, 0, len(m.axesSizes)-len(axisIndices))
	for i := range m.axesSizes {
		if !axisSet.Has(i) {
			nonAxisIndices = append(nonAxisIndices, i)
		}
	}

	groupSize := 1
	for _, idx := range axisIndices {
		groupSize *= m.axesSizes[idx]
	}
	numGroups := m.numDevices / groupSize
	groups := make([][]int, numGroups)
	for i := range groups {
		groups[i] = make([]int, groupSize)
	}

	for device := 0; device < m.numDevices; device++ {
		coords, _ := m.Coordinates(device)

		// Group index from the non-selected axes.
		groupIdx, multiplier := 0, 1
		for i := len(nonAxisIndices) - 1; i >= 0; i-- {
			axisIdx := nonAxisIndices[i]
			groupIdx += coords[axisIdx] * multiplier
			multiplier *= m.axesSizes[axisIdx]
		}

		// Position within the group from the selected axes.
		posInGroup := 0
		multiplier = 1
		for i := len(axisIndices) - 1; i >= 0; i-- {
			axisIdx := axisIndices[i]
			posInGroup += coords[axisIdx] * multiplier
			multiplier *= m.axesSizes[axisIdx]
		}

		groups[groupIdx][posInGroup] = device
	}
	return groups, nil
}
