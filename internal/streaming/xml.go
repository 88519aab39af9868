package streaming

import "encoding/xml"

type serverCommandXML struct {
	Name    string `xml:"name"`
	Command string `xml:"command"`
}

type serverInfoXML struct {
	XMLName                 xml.Name           `xml:"root"`
	StatusCode              int                `xml:"status_code,attr"`
	StatusMessage           string             `xml:"status_message,attr,omitempty"`
	Hostname                string             `xml:"hostname"`
	AppVersion              string             `xml:"appversion"`
	GfeVersion              string             `xml:"GfeVersion"`
	UniqueID                string             `xml:"uniqueid"`
	HTTPSPort               int                `xml:"HttpsPort"`
	ExternalPort            int                `xml:"ExternalPort"`
	MaxLumaPixelsHEVC       string             `xml:"MaxLumaPixelsHEVC"`
	Mac                     string             `xml:"mac"`
	LocalIP                 string             `xml:"LocalIP"`
	ServerCodecModeSupport  uint32             `xml:"ServerCodecModeSupport"`
	PairStatus              int                `xml:"PairStatus"`
	CurrentGame             int                `xml:"currentgame"`
	State                   string             `xml:"state"`
	ServerCommands          []serverCommandXML `xml:"ServerCommand,omitempty"`
}

type appXML struct {
	Title         string `xml:"AppTitle"`
	ID            int    `xml:"ID"`
	IsHdrSupported int   `xml:"IsHdrSupported"`
}

type appListXML struct {
	XMLName    xml.Name `xml:"root"`
	StatusCode int      `xml:"status_code,attr"`
	Apps       []appXML `xml:"App"`
}

type launchXML struct {
	XMLName       xml.Name `xml:"root"`
	StatusCode    int      `xml:"status_code,attr"`
	StatusMessage string   `xml:"status_message,attr,omitempty"`
	SessionURL0   string   `xml:"sessionUrl0,omitempty"`
	GameSession   int      `xml:"gamesession"`
}

type resumeXML struct {
	XMLName       xml.Name `xml:"root"`
	StatusCode    int      `xml:"status_code,attr"`
	StatusMessage string   `xml:"status_message,attr,omitempty"`
	SessionURL0   string   `xml:"sessionUrl0,omitempty"`
	Resume        int      `xml:"resume"`
}

type cancelXML struct {
	XMLName       xml.Name `xml:"root"`
	StatusCode    int      `xml:"status_code,attr"`
	StatusMessage string   `xml:"status_message,attr,omitempty"`
	Cancel        int      `xml:"cancel"`
}

func marshalXML(v interface{}) []byte {
	body, err := xml.Marshal(v)
	if err != nil {
		panic("streaming: failed to marshal response: " + err.Error())
	}
	return append([]byte(xml.Header), body...)
}
