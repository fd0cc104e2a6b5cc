package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/udpx"
	"github.com/slackhq/udpx/config"
	"github.com/slackhq/udpx/udp"
	"github.com/slackhq/udpx/util"
	"go.yaml.in/yaml/v3"
)

// A version string that can be set with
//
//	-ldflags "-X main.Build=SOMEVERSION"
//
// at compile-time.
var Build string

func init() {
	if Build == "" {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}

		Build = strings.TrimPrefix(info.Main.Version, "v")
	}
}

type capsReport struct {
	OS             string `yaml:"os"`
	BatchSize      int    `yaml:"batch_size"`
	MaxGSOSegments int    `yaml:"max_gso_segments"`
}

func printCaps(out io.Writer) error {
	caps, err := udp.Probe()
	if err != nil {
		return err
	}

	b, err := yaml.Marshal(capsReport{
		OS:             runtime.GOOS,
		BatchSize:      udp.BatchSize,
		MaxGSOSegments: caps.MaxGSOSegments,
	})
	if err != nil {
		return err
	}

	_, err = out.Write(b)
	return err
}

func main() {
	serviceFlag := flag.String("service", "", "Control the system service, one of run, install, uninstall, start, stop or restart")
	configPath := flag.String("config", "", "Path to either a file or directory to load configuration from")
	configTest := flag.Bool("test", false, "Test the config and print the end result. Non zero exit indicates a faulty config")
	printCapabilities := flag.Bool("caps", false, "Print the UDP offload capabilities of this host")
	printVersion := flag.Bool("version", false, "Print version")
	printUsage := flag.Bool("help", false, "Print command line usage")

	flag.Parse()

	if *printVersion {
		fmt.Printf("Version: %s\n", Build)
		os.Exit(0)
	}

	if *printUsage {
		flag.Usage()
		os.Exit(0)
	}

	if *printCapabilities {
		if err := printCaps(os.Stdout); err != nil {
			fmt.Printf("failed to probe capabilities: %s\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if *serviceFlag != "" {
		if err := doService(*configPath, Build, *serviceFlag); err != nil {
			log.Fatal(err)
		}
		os.Exit(0)
	}

	if *configPath == "" {
		fmt.Println("-config flag must be set")
		flag.Usage()
		os.Exit(1)
	}

	l := logrus.New()
	l.Out = os.Stdout

	c := config.NewC(l)
	err := c.Load(*configPath)
	if err != nil {
		fmt.Printf("failed to load config: %s", err)
		os.Exit(1)
	}

	ctrl, err := udpx.Main(c, *configTest, Build, l)
	if err != nil {
		util.LogWithContextIfNeeded("Failed to start", err, l)
		os.Exit(1)
	}

	if !*configTest {
		ctrl.Start()
		notifyReady(l)
		ctrl.ShutdownBlock()
		if ctrl.Err() != nil {
			os.Exit(1)
		}
	}

	os.Exit(0)
}
