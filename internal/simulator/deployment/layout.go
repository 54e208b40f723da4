package deployment

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/G-Research/simulator/internal/common/simerrors"
	"github.com/G-Research/simulator/internal/simulator/registry"
	"github.com/G-Research/simulator/internal/simulator/settings"
)

// ClusterLayout is the declarative deployment document:
//
//	<clusterConfiguration>
//	  <workerConfiguration name="member" type="MEMBER" version="maven=5.0" optionsFile="member.options"/>
//	  <nodeConfiguration>
//	    <workerGroup configuration="member" count="2"/>
//	  </nodeConfiguration>
//	</clusterConfiguration>
//
// There is exactly one nodeConfiguration per registered agent, in registration order.
type ClusterLayout struct {
	XMLName              xml.Name              `xml:"clusterConfiguration"`
	WorkerConfigurations []WorkerConfiguration `xml:"workerConfiguration"`
	NodeConfigurations   []NodeConfiguration   `xml:"nodeConfiguration"`
}

type WorkerConfiguration struct {
	Name           string `xml:"name,attr"`
	Type           string `xml:"type,attr"`
	Version        string `xml:"version,attr"`
	Script         string `xml:"script,attr"`
	Options        string `xml:"options,attr"`
	OptionsFile    string `xml:"optionsFile,attr"`
	Config         string `xml:"config"`
	ConfigFile     string `xml:"configFile,attr"`
	StartupTimeout string `xml:"startupTimeout,attr"`

	optionsFileContent string
	configFileContent  string
}

type NodeConfiguration struct {
	WorkerGroups []WorkerGroup `xml:"workerGroup"`
}

type WorkerGroup struct {
	Configuration string `xml:"configuration,attr"`
	Count         int    `xml:"count,attr"`
}

// workerConfiguration is a WorkerConfiguration with every default applied.
type workerConfiguration struct {
	workerType     settings.WorkerType
	versionSpec    string
	workerScript   string
	options        string
	clusterConfig  string
	startupTimeout time.Duration
}

// LoadLayout reads a layout document from disk. Files referenced by the document are resolved
// relative to the directory of the document.
func LoadLayout(path string) (*ClusterLayout, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()
	return ParseLayout(f, filepath.Dir(path))
}

// ParseLayout decodes and validates a layout document and reads the files it references.
func ParseLayout(r io.Reader, baseDir string) (*ClusterLayout, error) {
	layout := &ClusterLayout{}
	if err := xml.NewDecoder(r).Decode(layout); err != nil {
		return nil, errors.Wrap(err, "unable to parse cluster layout")
	}

	names := make(map[string]bool, len(layout.WorkerConfigurations))
	for i := range layout.WorkerConfigurations {
		c := &layout.WorkerConfigurations[i]
		if c.Name == "" {
			return nil, errors.Errorf("workerConfiguration %d has no name", i+1)
		}
		if names[c.Name] {
			return nil, errors.Errorf("workerConfiguration %s is defined more than once", c.Name)
		}
		names[c.Name] = true
		if _, err := settings.ParseWorkerType(c.Type); err != nil {
			return nil, errors.WithMessagef(err, "workerConfiguration %s", c.Name)
		}
		if c.StartupTimeout != "" {
			if _, err := time.ParseDuration(c.StartupTimeout); err != nil {
				return nil, errors.Wrapf(err, "workerConfiguration %s has an invalid startupTimeout", c.Name)
			}
		}
		if err := c.readFiles(baseDir); err != nil {
			return nil, err
		}
	}

	for i, node := range layout.NodeConfigurations {
		for _, group := range node.WorkerGroups {
			if !names[group.Configuration] {
				return nil, errors.Errorf("nodeConfiguration %d references unknown workerConfiguration %q", i+1, group.Configuration)
			}
			if group.Count < 0 {
				return nil, errors.Errorf("nodeConfiguration %d has a negative count for %s", i+1, group.Configuration)
			}
		}
	}
	return layout, nil
}

func (c *WorkerConfiguration) readFiles(baseDir string) error {
	var err error
	if c.OptionsFile != "" {
		if c.optionsFileContent, err = readReferencedFile(baseDir, c.OptionsFile); err != nil {
			return errors.WithMessagef(err, "workerConfiguration %s", c.Name)
		}
	}
	if c.ConfigFile != "" {
		if c.configFileContent, err = readReferencedFile(baseDir, c.ConfigFile); err != nil {
			return errors.WithMessagef(err, "workerConfiguration %s", c.Name)
		}
	}
	return nil
}

func readReferencedFile(baseDir, name string) (string, error) {
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, name)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return "", errors.WithStack(err)
	}
	return strings.TrimSpace(string(content)), nil
}

// resolve applies defaults: an explicit value wins over the content of a referenced file,
// which wins over the global default.
func (c *WorkerConfiguration) resolve(defaults settings.Defaults) (workerConfiguration, error) {
	workerType, err := settings.ParseWorkerType(c.Type)
	if err != nil {
		return workerConfiguration{}, err
	}
	startupTimeout := defaults.StartupTimeout
	if c.StartupTimeout != "" {
		if startupTimeout, err = time.ParseDuration(c.StartupTimeout); err != nil {
			return workerConfiguration{}, errors.WithStack(err)
		}
	}
	return workerConfiguration{
		workerType:     workerType,
		versionSpec:    firstNonEmpty(c.Version, defaults.VersionSpec),
		workerScript:   firstNonEmpty(c.Script, defaults.WorkerScript),
		options:        firstNonEmpty(c.Options, c.optionsFileContent, defaults.OptionsFor(workerType)),
		clusterConfig:  firstNonEmpty(strings.TrimSpace(c.Config), c.configFileContent, defaults.ClusterConfig),
		startupTimeout: startupTimeout,
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// CreateDeploymentPlanFromLayout places workers exactly as the layout describes.
// The layout must have one node entry per agent.
func CreateDeploymentPlanFromLayout(
	agents []registry.AgentData,
	allocator IndexAllocator,
	layout *ClusterLayout,
	defaults settings.Defaults,
) (*DeploymentPlan, error) {
	if len(layout.NodeConfigurations) != len(agents) {
		return nil, &simerrors.ErrConfigurationMismatch{
			Expected: len(agents),
			Actual:   len(layout.NodeConfigurations),
			Message:  "the layout needs one nodeConfiguration per registered agent",
		}
	}

	configurations := make(map[string]workerConfiguration, len(layout.WorkerConfigurations))
	for i := range layout.WorkerConfigurations {
		c := &layout.WorkerConfigurations[i]
		resolved, err := c.resolve(defaults)
		if err != nil {
			return nil, errors.WithMessagef(err, "workerConfiguration %s", c.Name)
		}
		configurations[c.Name] = resolved
	}
	for i, node := range layout.NodeConfigurations {
		for _, group := range node.WorkerGroups {
			if _, ok := configurations[group.Configuration]; !ok {
				return nil, &simerrors.ErrConfigurationMismatch{
					Message: fmt.Sprintf("nodeConfiguration %d references unknown workerConfiguration %q", i+1, group.Configuration),
				}
			}
		}
	}

	plan := newDeploymentPlan(agents, func(int) AgentWorkerMode { return Custom })
	for i, node := range layout.NodeConfigurations {
		d := plan.deployments[i]
		for _, group := range node.WorkerGroups {
			config := configurations[group.Configuration]
			for n := 0; n < group.Count; n++ {
				s, err := newWorkerSettings(d.Agent, allocator, config, defaults.Environment)
				if err != nil {
					return nil, err
				}
				d.Workers = append(d.Workers, s)
			}
		}
	}
	return plan, nil
}
