// Command fatvol inspects and manipulates FAT volume images.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"

	"github.com/ternfs/fatvol"
	"github.com/ternfs/fatvol/blockdev"
)

var log = logrus.New()

func main() {
	app := &cli.App{
		Name:  "fatvol",
		Usage: "inspect and manipulate FAT volume images",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "image",
				Aliases:  []string{"i"},
				Usage:    "path of the volume image",
				Required: true,
			},
			&cli.UintFlag{
				Name:  "sector-size",
				Usage: "sector size of the image",
				Value: 512,
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("verbose") {
				log.SetLevel(logrus.DebugLevel)
			}
			return nil
		},
		Commands: []*cli.Command{
			formatCommand(),
			infoCommand(),
			lsCommand(),
			catCommand(),
			writeCommand(),
			mkdirCommand(),
			rmCommand(),
			mvCommand(),
			statCommand(),
			existsCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Fatal("command failed")
	}
}

// withVolume mounts the image, runs fn and unmounts again.
func withVolume(c *cli.Context, fn func(volume *fatvol.Volume) error) error {
	device, err := blockdev.OpenFileDevice(afero.NewOsFs(), c.String("image"), uint16(c.Uint("sector-size")))
	if err != nil {
		return err
	}

	manager := &fatvol.MountManager{}
	volume, err := manager.Mount(device)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"type":  volume.FSType(),
		"label": volume.Label(),
	}).Debug("volume mounted")

	if err := fn(volume); err != nil {
		return err
	}
	return manager.Unmount()
}

func formatCommand() *cli.Command {
	return &cli.Command{
		Name:  "format",
		Usage: "write a fresh FAT filesystem onto the image",
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:  "size",
				Usage: "image size in bytes, creates or resizes the image file",
			},
			&cli.StringFlag{
				Name:  "label",
				Usage: "volume label",
			},
			&cli.UintFlag{
				Name:  "sectors-per-cluster",
				Usage: "cluster size, 0 picks automatically",
			},
		},
		Action: func(c *cli.Context) error {
			path := c.String("image")
			sectorSize := uint16(c.Uint("sector-size"))

			if size := c.Int64("size"); size > 0 {
				file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
				if err != nil {
					return err
				}
				if err := file.Truncate(size); err != nil {
					file.Close()
					return err
				}
				if err := file.Close(); err != nil {
					return err
				}
			}

			device, err := blockdev.OpenFileDevice(afero.NewOsFs(), path, sectorSize)
			if err != nil {
				return err
			}
			err = fatvol.Format(device, fatvol.FormatOptions{
				Label:             c.String("label"),
				SectorsPerCluster: uint8(c.Uint("sectors-per-cluster")),
			})
			if err != nil {
				return err
			}
			log.WithField("image", path).Info("volume formatted")
			return nil
		},
	}
}

func infoCommand() *cli.Command {
	return &cli.Command{
		Name:  "info",
		Usage: "print the volume geometry",
		Action: func(c *cli.Context) error {
			return withVolume(c, func(volume *fatvol.Volume) error {
				info := volume.Info()
				free, err := volume.FreeClusterCount()
				if err != nil {
					return err
				}
				fmt.Printf("type:              %v\n", info.FSType)
				fmt.Printf("label:             %s\n", info.Label)
				fmt.Printf("sector size:       %d\n", info.SectorSize)
				fmt.Printf("sectors/cluster:   %d\n", info.SectorsPerCluster)
				fmt.Printf("total sectors:     %d\n", info.TotalSectors)
				fmt.Printf("clusters:          %d\n", info.CountOfClusters)
				fmt.Printf("free clusters:     %d\n", free)
				return nil
			})
		},
	}
}

func lsCommand() *cli.Command {
	return &cli.Command{
		Name:      "ls",
		Usage:     "list a directory",
		ArgsUsage: "[path]",
		Action: func(c *cli.Context) error {
			path := c.Args().First()
			if path == "" {
				path = "/"
			}
			return withVolume(c, func(volume *fatvol.Volume) error {
				dir, err := volume.Open(path)
				if err != nil {
					return err
				}
				defer dir.Close()

				entries, err := dir.Readdir(-1)
				if err != nil && err != io.EOF {
					return err
				}
				for _, entry := range entries {
					kind := "-"
					if entry.IsDir() {
						kind = "d"
					}
					fmt.Printf("%s %10d  %s  %s\n", kind, entry.Size(), entry.ModTime().Format("2006-01-02 15:04:05"), entry.Name())
				}
				return nil
			})
		},
	}
}

func catCommand() *cli.Command {
	return &cli.Command{
		Name:      "cat",
		Usage:     "print a file to stdout",
		ArgsUsage: "<path>",
		Action: func(c *cli.Context) error {
			path := c.Args().First()
			if path == "" {
				return fmt.Errorf("a path is required")
			}
			return withVolume(c, func(volume *fatvol.Volume) error {
				file, err := volume.Open(path)
				if err != nil {
					return err
				}
				defer file.Close()

				_, err = io.Copy(os.Stdout, file)
				return err
			})
		},
	}
}

func writeCommand() *cli.Command {
	return &cli.Command{
		Name:      "write",
		Usage:     "copy stdin (or a local file) into the volume",
		ArgsUsage: "<path>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "from",
				Usage: "local file to copy, stdin if omitted",
			},
		},
		Action: func(c *cli.Context) error {
			path := c.Args().First()
			if path == "" {
				return fmt.Errorf("a path is required")
			}

			var source io.Reader = os.Stdin
			if from := c.String("from"); from != "" {
				local, err := os.Open(from)
				if err != nil {
					return err
				}
				defer local.Close()
				source = local
			}

			return withVolume(c, func(volume *fatvol.Volume) error {
				file, err := volume.Create(path)
				if err != nil {
					return err
				}
				n, err := io.Copy(file, source)
				if closeErr := file.Close(); err == nil {
					err = closeErr
				}
				if err != nil {
					return err
				}
				log.WithFields(logrus.Fields{"path": path, "bytes": n}).Info("file written")
				return nil
			})
		},
	}
}

func mkdirCommand() *cli.Command {
	return &cli.Command{
		Name:      "mkdir",
		Usage:     "create a directory including missing parents",
		ArgsUsage: "<path>",
		Action: func(c *cli.Context) error {
			path := c.Args().First()
			if path == "" {
				return fmt.Errorf("a path is required")
			}
			return withVolume(c, func(volume *fatvol.Volume) error {
				return volume.MkdirAll(path, 0o777)
			})
		},
	}
}

func rmCommand() *cli.Command {
	return &cli.Command{
		Name:      "rm",
		Usage:     "remove a file or directory",
		ArgsUsage: "<path>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "recursive",
				Aliases: []string{"r"},
				Usage:   "remove directories including their content",
			},
		},
		Action: func(c *cli.Context) error {
			path := c.Args().First()
			if path == "" {
				return fmt.Errorf("a path is required")
			}
			return withVolume(c, func(volume *fatvol.Volume) error {
				if c.Bool("recursive") {
					return volume.RemoveAll(path)
				}
				return volume.Remove(path)
			})
		},
	}
}

func mvCommand() *cli.Command {
	return &cli.Command{
		Name:      "mv",
		Usage:     "rename a file or directory",
		ArgsUsage: "<old> <new>",
		Action: func(c *cli.Context) error {
			if c.Args().Len() != 2 {
				return fmt.Errorf("old and new path are required")
			}
			return withVolume(c, func(volume *fatvol.Volume) error {
				return volume.Rename(c.Args().Get(0), c.Args().Get(1))
			})
		},
	}
}

func statCommand() *cli.Command {
	return &cli.Command{
		Name:      "stat",
		Usage:     "print file information",
		ArgsUsage: "<path>",
		Action: func(c *cli.Context) error {
			path := c.Args().First()
			if path == "" {
				return fmt.Errorf("a path is required")
			}
			return withVolume(c, func(volume *fatvol.Volume) error {
				record, err := volume.StatRecord(path)
				if err != nil {
					return err
				}
				fmt.Printf("name:      %s\n", record.NameString())
				fmt.Printf("alt name:  %s\n", record.AltNameString())
				fmt.Printf("size:      %d\n", record.Size)
				fmt.Printf("modified:  %v %v\n", fatvol.ParseDate(record.Date).Format("2006-01-02"), fatvol.ParseTime(record.Time).Format("15:04:05"))
				fmt.Printf("attr:      %#02x\n", record.Attr)
				return nil
			})
		},
	}
}

func existsCommand() *cli.Command {
	return &cli.Command{
		Name:      "exists",
		Usage:     "exit with 0 if the path exists, 1 otherwise",
		ArgsUsage: "<path>",
		Action: func(c *cli.Context) error {
			path := c.Args().First()
			if path == "" {
				return fmt.Errorf("a path is required")
			}
			return withVolume(c, func(volume *fatvol.Volume) error {
				ok, err := volume.Exists(path)
				if err != nil {
					return err
				}
				if !ok {
					return cli.Exit(fmt.Sprintf("%s does not exist", path), 1)
				}
				fmt.Println(path)
				return nil
			})
		},
	}
}
