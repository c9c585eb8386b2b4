package flamingo

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleWorkflowText = `<Workflow Settings>
    <Experiment Settings>
    Display max projection = true
    Comments = test run
    </Experiment Settings>
    <Stack Settings>
    Change in Z axis (mm) = 0.01
    Number of planes = auto
    </Stack Settings>
    <Start Position>
    X (mm) = 14.17
    Y (mm) = 1.737
    Z (mm) = 13.7
    Angle (degrees) = 0
    </Start Position>
    <End Position>
    X (mm) = 14.17
    Y (mm) = 1.737
    Z (mm) = 13.71
    Angle (degrees) = 0
    </End Position>
    <Illumination Source>
    Laser 488 nm = 5.0 1
    </Illumination Source>
    <Custom Vendor Section>
    Some Key = some value
    </Custom Vendor Section>
</Workflow Settings>
`

func TestLoadWorkflowTextParsesKnownAndUnknownSections(t *testing.T) {
	w, err := LoadWorkflowText(strings.NewReader(sampleWorkflowText))
	require.NoError(t, err)

	v, ok := w.Section("Experiment Settings").Get("Comments")
	require.True(t, ok)
	assert.Equal(t, "test run", v)

	require.True(t, w.HasSection("Custom Vendor Section"))
	v, ok = w.Section("Custom Vendor Section").Get("Some Key")
	require.True(t, ok)
	assert.Equal(t, "some value", v)

	start, end, err := w.Positions()
	require.NoError(t, err)
	assert.Equal(t, 14.17, start.X)
	assert.Equal(t, 13.71, end.Z)
}

func TestWorkflowRoundTrip(t *testing.T) {
	w, err := LoadWorkflowText(strings.NewReader(sampleWorkflowText))
	require.NoError(t, err)

	var buf strings.Builder
	require.NoError(t, DumpWorkflowText(w, &buf))

	w2, err := LoadWorkflowText(strings.NewReader(buf.String()))
	require.NoError(t, err)

	for _, name := range []string{"Experiment Settings", "Stack Settings", "Start Position", "End Position", "Illumination Source", "Custom Vendor Section"} {
		require.True(t, w2.HasSection(name))
	}

	names1 := sectionNames(w)
	names2 := sectionNames(w2)
	assert.Equal(t, names1, names2)

	assert.NotContains(t, buf.String(), "\r\n")
}

func sectionNames(w *Workflow) []string {
	var names []string
	for _, s := range w.Sections() {
		names = append(names, s.Name)
	}
	return names
}

func TestLoadWorkflowTextRejectsMalformedLine(t *testing.T) {
	text := "<Workflow Settings>\n    <Stack Settings>\n    not a key value line\n    </Stack Settings>\n</Workflow Settings>\n"
	_, err := LoadWorkflowText(strings.NewReader(text))
	require.Error(t, err)
	var docErr *DocError
	require.ErrorAs(t, err, &docErr)
	assert.Equal(t, "Syntax", docErr.Kind)
	assert.Equal(t, 3, docErr.Line)
}

func TestLaserAccessor(t *testing.T) {
	w := NewWorkflow()
	w.SetIllumination("Laser 561 nm", 12.5, true)
	power, on, err := w.Section("Illumination Source").Laser("Laser 561 nm")
	require.NoError(t, err)
	assert.Equal(t, 12.5, power)
	assert.True(t, on)
}

func TestValidateRejectsMultipleLasersOnByDefault(t *testing.T) {
	w := NewZStackWorkflow(NewPosition(0, 0, 0, 0), NewPosition(0, 0, 1, 0))
	w.SetIllumination("Laser 488 nm", 5, true)
	w.SetIllumination("Laser 561 nm", 5, true)

	err := Validate(w)
	require.Error(t, err)
}

func TestValidateAllowsMultipleLasersWhenOptedIn(t *testing.T) {
	w := NewZStackWorkflow(NewPosition(0, 0, 0, 0), NewPosition(0, 0, 1, 0))
	w.SetIllumination("Laser 488 nm", 5, true)
	w.SetIllumination("Laser 561 nm", 5, true)
	w.Section("Illumination Options").Set("Run stack with multiple lasers on", "true")

	require.NoError(t, Validate(w))
}

func TestValidateChecksZSpanInvariant(t *testing.T) {
	w := NewWorkflow()
	w.SetPositions(NewPosition(0, 0, 0, 0), NewPosition(0, 0, 5, 0))
	w.SetStackStepMM(1) // wrong: should be 5
	w.SetPlaneCount(10)

	err := Validate(w)
	require.Error(t, err)
	var docErr *DocError
	require.ErrorAs(t, err, &docErr)
}

func TestPlaneCountDefaultsWhenAuto(t *testing.T) {
	w := NewWorkflow()
	w.SetPlaneCountAuto()
	n, usedDefault, err := w.PlaneCount(200)
	require.NoError(t, err)
	assert.True(t, usedDefault)
	assert.Equal(t, 200, n)
}

func TestSnapshotWorkflowIsSinglePlaneMIP(t *testing.T) {
	w := NewSnapshotWorkflow(NewPosition(14.17, 1.737, 13.7, 0))
	assert.True(t, w.DisplayMaxProjection())
	n, _, err := w.PlaneCount(200)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
