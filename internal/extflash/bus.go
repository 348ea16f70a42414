// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package extflash

import (
	"fmt"

	"github.com/ffutop/extflash/internal/config"
	"github.com/ffutop/extflash/spi"
	"github.com/ffutop/extflash/spi/serprog"
	"github.com/ffutop/extflash/spi/sim"
	"github.com/ffutop/extflash/spi/spidev"
)

var simChips = map[string]uint32{
	"w25q16":  sim.W25Q16,
	"w25q32":  sim.W25Q32,
	"w25q64":  sim.W25Q64,
	"w25q128": sim.W25Q128,
}

// openBus opens the configured SPI driver.
func openBus(sc config.SPIConfig) (spi.Conn, error) {
	switch sc.Driver {
	case "sim":
		jedec, ok := simChips[sc.Sim.Chip]
		if !ok {
			return nil, fmt.Errorf("unknown simulated chip: %s", sc.Sim.Chip)
		}
		if sc.Sim.Image == "" {
			return sim.New(jedec), nil
		}
		chip, err := sim.OpenImage(sc.Sim.Image, jedec)
		if err != nil {
			return nil, err
		}
		return chip, nil
	case "spidev":
		conn, err := spidev.Open(sc.Device, sc.SpeedHz)
		if err != nil {
			return nil, err
		}
		return conn, nil
	case "serprog":
		p, err := serprog.Open(serprog.Config{
			Device:   sc.Serial.Device,
			BaudRate: sc.Serial.BaudRate,
			Timeout:  sc.Serial.Timeout,
			SpeedHz:  uint32(sc.SpeedHz),
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	case "tinybus":
		return nil, fmt.Errorf("%w: %s", ErrDeviceOnlyDriver, sc.Driver)
	default:
		return nil, fmt.Errorf("unknown spi driver: %s", sc.Driver)
	}
}
